package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"
)

var gzipPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

type gzipResponseWriter struct {
	http.ResponseWriter
	gz    *gzip.Writer
	wrote bool
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	if code != http.StatusNoContent && code != http.StatusNotModified {
		w.Header().Del(echo.HeaderContentLength)
		w.Header().Set(echo.HeaderContentEncoding, "gzip")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.gz.Write(b)
}

func (w *gzipResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Gzip compresses response bodies for clients that accept gzip. It only
// wraps what the handler itself writes; errors rendered afterwards by the
// central error handler go out uncompressed.
func Gzip() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.Contains(c.Request().Header.Get(echo.HeaderAcceptEncoding), "gzip") {
				return next(c)
			}

			res := c.Response()
			res.Header().Add(echo.HeaderVary, echo.HeaderAcceptEncoding)

			gz := gzipPool.Get().(*gzip.Writer)
			gz.Reset(res.Writer)
			orig := res.Writer
			grw := &gzipResponseWriter{ResponseWriter: orig, gz: gz}
			res.Writer = grw

			defer func() {
				if !grw.wrote {
					gz.Reset(io.Discard)
				}
				_ = gz.Close()
				res.Writer = orig
				gzipPool.Put(gz)
			}()

			return next(c)
		}
	}
}
