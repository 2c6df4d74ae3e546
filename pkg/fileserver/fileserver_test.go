package fileserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HMasataka/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"index.html":           "<h1>root</h1>\n",
		"app.js":               "console.log('hi')\n",
		"app.mjs":              "export default 1\n",
		"app.wasm":             "\x00asm\x01\x00\x00\x00",
		"manifest.webmanifest": `{"name":"app"}`,
		"subdir/index.html":    "<h1>subdir</h1>\n",
		"legacy/index.htm":     "<h1>legacy</h1>\n",
		"plain/a.txt":          "a\n",
		"plain/b.txt":          "b\n",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandler(t *testing.T) {
	root := newRoot(t)
	h := New(root)

	t.Run("index.htmlはリダイレクトせずそのまま返す", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/index.html")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<h1>root</h1>\n", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	})

	t.Run("ルートはindex.html", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<h1>root</h1>\n", rec.Body.String())
	})

	t.Run("存在しないパスは404", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/nope.html")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("サブディレクトリのindex.html", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/subdir/")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<h1>subdir</h1>\n", rec.Body.String())
	})

	t.Run("末尾スラッシュなしのディレクトリは301", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/subdir")

		assert.Equal(t, http.StatusMovedPermanently, rec.Code)
		assert.Equal(t, "subdir/", rec.Header().Get("Location"))
	})

	t.Run("index.htmへのフォールバック", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/legacy/")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "<h1>legacy</h1>\n", rec.Body.String())
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	})

	t.Run("indexがなければディレクトリ一覧", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/plain/")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `<a href="a.txt">a.txt</a>`)
		assert.Contains(t, rec.Body.String(), `<a href="b.txt">b.txt</a>`)
	})

	t.Run("HEADは本文なし", func(t *testing.T) {
		rec := serve(h, http.MethodHead, "/index.html")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, "14", rec.Header().Get("Content-Length"))
	})

	t.Run("GET/HEAD以外は501", func(t *testing.T) {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			rec := serve(h, method, "/index.html")

			assert.Equal(t, http.StatusNotImplemented, rec.Code, method)
			assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"), method)
		}
	})

	t.Run("Content-Type", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/app.js")
		assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))

		rec = serve(h, http.MethodGet, "/manifest.webmanifest")
		assert.Equal(t, "application/manifest+json", rec.Header().Get("Content-Type"))

		rec = serve(h, http.MethodGet, "/app.mjs")
		assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))

		rec = serve(h, http.MethodGet, "/app.wasm")
		assert.Equal(t, "application/wasm", rec.Header().Get("Content-Type"))
	})

	t.Run("追加の拡張子はすべて登録済み", func(t *testing.T) {
		for ext, typ := range extraTypes {
			assert.Equal(t, typ, mime.TypeByExtension(ext), ext)
		}
	})

	t.Run("ルート外には出られない", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.URL.Path = "/../../etc/passwd"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.NotEqual(t, http.StatusOK, rec.Code)
	})
}

type readerFromRecorder struct {
	*httptest.ResponseRecorder
	readFrom bool
}

func (r *readerFromRecorder) ReadFrom(src io.Reader) (int64, error) {
	r.readFrom = true
	return io.Copy(r.ResponseRecorder, src)
}

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(logging.NewHandler(slog.NewJSONHandler(&buf, nil))))
	t.Cleanup(func() {
		slog.SetDefault(prev)
	})
	return &buf
}

func TestAccessLog(t *testing.T) {
	root := newRoot(t)

	t.Run("リクエストごとに1行", func(t *testing.T) {
		buf := captureJSON(t)
		h := AccessLog(New(root))

		rec := serve(h, http.MethodGet, "/nope.html")
		require.Equal(t, http.StatusNotFound, rec.Code)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

		assert.Equal(t, "request", entry["msg"])
		assert.Equal(t, "GET", entry["method"])
		assert.Equal(t, "/nope.html", entry["path"])
		assert.Equal(t, float64(http.StatusNotFound), entry["status"])
		assert.Equal(t, float64(rec.Body.Len()), entry["bytes"])
		assert.Equal(t, "HTTP/1.1", entry["proto"])
		assert.NotContains(t, entry, "tls_version")
		assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, entry[RequestIDKey])
	})

	t.Run("ハンドラ内のログにもリクエストIDが付く", func(t *testing.T) {
		buf := captureJSON(t)

		h := AccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, logging.HasValue(r.Context(), RequestIDKey))
			slog.InfoContext(r.Context(), "inner")
			w.WriteHeader(http.StatusNoContent)
		}))
		serve(h, http.MethodGet, "/")

		dec := json.NewDecoder(buf)
		var inner, outer map[string]any
		require.NoError(t, dec.Decode(&inner))
		require.NoError(t, dec.Decode(&outer))

		assert.Equal(t, "inner", inner["msg"])
		assert.NotEmpty(t, inner[RequestIDKey])
		assert.Equal(t, inner[RequestIDKey], outer[RequestIDKey])
		assert.Equal(t, float64(http.StatusNoContent), outer["status"])
	})

	t.Run("上流のリクエストIDを引き継ぐ", func(t *testing.T) {
		buf := captureJSON(t)
		h := AccessLog(New(root))

		req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
		req = req.WithContext(logging.WithValue(req.Context(), RequestIDKey, "upstream-1"))
		h.ServeHTTP(httptest.NewRecorder(), req)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "upstream-1", entry[RequestIDKey])
	})

	t.Run("ReadFromを下位のWriterに渡す", func(t *testing.T) {
		buf := captureJSON(t)
		h := AccessLog(New(root))

		w := &readerFromRecorder{ResponseRecorder: httptest.NewRecorder()}
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/index.html", nil))

		assert.True(t, w.readFrom)
		assert.Equal(t, "<h1>root</h1>\n", w.Body.String())

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, float64(len("<h1>root</h1>\n")), entry["bytes"])
	})

	t.Run("ReadFromがなければWriteで数える", func(t *testing.T) {
		rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}

		n, err := rec.ReadFrom(strings.NewReader("abc"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, int64(3), rec.bytes)
	})
}
