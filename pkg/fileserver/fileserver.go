// Package fileserver serves a directory tree over HTTP the way a plain static
// file server does: files, index pages, directory listings and standard status codes.
package fileserver

import (
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var allowedMethods = []string{http.MethodGet, http.MethodHead}

// 配信するPWAが必要とする拡張子。/etc/mime.types の内容に左右されないよう明示する
var extraTypes = map[string]string{
	".js":          "text/javascript; charset=utf-8",
	".webmanifest": "application/manifest+json",
	".mjs":         "text/javascript; charset=utf-8",
	".wasm":        "application/wasm",
}

var registerOnce sync.Once

func registerTypes() {
	registerOnce.Do(func() {
		for ext, typ := range extraTypes {
			if err := mime.AddExtensionType(ext, typ); err != nil {
				slog.Warn("cannot register content type", "ext", ext, "type", typ, "error", err)
			}
		}
	})
}

// Handler serves files below a root directory.
type Handler struct {
	root  http.FileSystem
	files http.Handler
}

var _ http.Handler = (*Handler)(nil)

// New returns a handler serving the directory root.
func New(root string) *Handler {
	registerTypes()

	fs := http.Dir(root)
	return &Handler{
		root:  fs,
		files: http.FileServer(fs),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !lo.Contains(allowedMethods, r.Method) {
		w.Header().Set("Allow", strings.Join(allowedMethods, ", "))
		http.Error(w, "Unsupported method ("+r.Method+")", http.StatusNotImplemented)
		return
	}

	upath := r.URL.Path
	if !strings.HasPrefix(upath, "/") {
		upath = "/" + upath
	}

	switch {
	case path.Base(upath) == "index.html" && !strings.HasSuffix(upath, "/"):
		// http.FileServer は /index.html を ./ にリダイレクトするが、ファイルとして返す
		if h.serveFile(w, r, path.Clean(upath)) {
			return
		}
	case strings.HasSuffix(upath, "/"):
		if !h.exists(path.Join(upath, "index.html")) && h.serveFile(w, r, path.Join(upath, "index.htm")) {
			return
		}
	}

	h.files.ServeHTTP(w, r)
}

// serveFile writes the regular file name and reports whether it did.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := h.root.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

func (h *Handler) exists(name string) bool {
	f, err := h.root.Open(name)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
