package fileserver

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/HMasataka/logging"
	"github.com/google/uuid"
)

// RequestIDKey is the logging context key carrying the per-request id.
const RequestIDKey = "request_id"

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// ReadFrom keeps the sendfile path of the underlying writer.
func (rw *statusRecorder) ReadFrom(src io.Reader) (int64, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}

	rf, ok := rw.ResponseWriter.(io.ReaderFrom)
	if !ok {
		// Write 経由でバイト数を数える
		return io.Copy(writerOnly{rw}, src)
	}

	n, err := rf.ReadFrom(src)
	rw.bytes += n
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type writerOnly struct {
	io.Writer
}

// AccessLog writes one log line per completed request. Every request carries a
// request id in its logging context, so handlers logging with that context and a
// logging.NewHandler based logger get it attached too.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if !logging.HasValue(ctx, RequestIDKey) {
			ctx = logging.WithValue(ctx, RequestIDKey, uuid.NewString())
		}
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("proto", r.Proto),
		}
		if r.TLS != nil {
			attrs = append(attrs, slog.String("tls_version", tls.VersionName(r.TLS.Version)))
		}

		slog.InfoContext(ctx, "request", attrs...)
	})
}
