package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// BrotliConfig tunes the paper and monitor snapshot compression.
type BrotliConfig struct {
	Quality int
	// MinLength is the smallest body worth compressing. Shorter bodies are
	// sent as-is.
	MinLength int
}

// DefaultBrotliConfig favours latency over ratio: papers are fetched by a
// whole room at once when the window opens.
var DefaultBrotliConfig = BrotliConfig{
	Quality:   4,
	MinLength: 1024,
}

// brotliWriter buffers the body until it is known to be large enough, then
// switches to streaming through a pooled encoder.
type brotliWriter struct {
	gin.ResponseWriter
	pool      *sync.Pool
	enc       *brotli.Writer
	buf       bytes.Buffer
	minLength int
}

func (bw *brotliWriter) Write(data []byte) (int, error) {
	if bw.enc != nil {
		return bw.enc.Write(data)
	}
	bw.buf.Write(data)
	if bw.buf.Len() < bw.minLength || !compressible(bw.ResponseWriter) {
		return len(data), nil
	}

	h := bw.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")

	bw.enc = bw.pool.Get().(*brotli.Writer)
	bw.enc.Reset(bw.ResponseWriter)
	if _, err := bw.buf.WriteTo(bw.enc); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (bw *brotliWriter) WriteString(s string) (int, error) {
	return bw.Write([]byte(s))
}

// finish writes whatever is still buffered and returns the encoder to the
// pool.
func (bw *brotliWriter) finish() error {
	if bw.enc == nil {
		if bw.buf.Len() == 0 {
			return nil
		}
		_, err := bw.buf.WriteTo(bw.ResponseWriter)
		return err
	}
	err := bw.enc.Close()
	bw.enc.Reset(io.Discard)
	bw.pool.Put(bw.enc)
	bw.enc = nil
	return err
}

// compressible reports whether the status and content type are worth
// compressing. Error envelopes are small and sent as-is.
func compressible(w gin.ResponseWriter) bool {
	if w.Status() >= http.StatusBadRequest || w.Status() == http.StatusNoContent {
		return false
	}
	ct := w.Header().Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

// Brotli compresses large JSON bodies for clients that accept "br".
func Brotli() gin.HandlerFunc {
	return BrotliWithConfig(DefaultBrotliConfig)
}

// BrotliWithConfig is Brotli with explicit tuning.
func BrotliWithConfig(cfg BrotliConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = DefaultBrotliConfig.Quality
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultBrotliConfig.MinLength
	}

	pool := &sync.Pool{
		New: func() any { return brotli.NewWriterLevel(io.Discard, cfg.Quality) },
	}

	return func(c *gin.Context) {
		if streaming(c) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		bw := &brotliWriter{
			ResponseWriter: c.Writer,
			pool:           pool,
			minLength:      cfg.MinLength,
		}
		c.Writer = bw
		defer func() {
			if err := bw.finish(); err != nil {
				_ = c.Error(err)
			}
		}()

		c.Next()
	}
}

// streaming matches requests whose responses must not be buffered.
func streaming(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func acceptsBrotli(r *http.Request) bool {
	for enc := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
