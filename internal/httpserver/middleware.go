package httpserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"kv-cache-service/internal/config"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerContentEncoding = "Content-Encoding"
	headerAcceptEncoding  = "Accept-Encoding"
	headerVary            = "Vary"
	headerRequestID       = "X-Request-ID"
	headerRetryAfter      = "Retry-After"
	encodingGzip          = "gzip"
)

type requestIDKey struct{}

// requestID keeps the caller's X-Request-ID or assigns a new one, and echoes
// it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// rateLimiter allows each client MaxRequests per Window, refilled evenly.
type rateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg config.RateLimit) *rateLimiter {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil
	}
	return &rateLimiter{
		limit:   rate.Every(cfg.Window / time.Duration(cfg.MaxRequests)),
		burst:   cfg.MaxRequests,
		idle:    cfg.Window,
		clients: make(map[string]*client),
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.idle {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// middleware answers 429 once a client used up its budget. A nil limiter
// lets every request through.
func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r), time.Now()) {
			w.Header().Set(headerRetryAfter, "1")
			writeError(w, r, http.StatusTooManyRequests, "too many requests, please try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// decompressGzip распаковывает тело с Content-Encoding: gzip. limitBody
// ограничивает только сжатые байты, поэтому распакованный поток снова
// ограничивается n.
func decompressGzip(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(headerContentEncoding) == encodingGzip {
				gz, err := gzip.NewReader(r.Body)
				if err != nil {
					writeError(w, r, http.StatusBadRequest, "invalid gzip body")
					return
				}
				defer gz.Close()
				var body io.ReadCloser = gz
				if n > 0 {
					body = http.MaxBytesReader(w, gz, n)
				}
				r.Body = body
			}
			next.ServeHTTP(w, r)
		})
	}
}

type bufferResponseWriter struct {
	http.ResponseWriter
	code int
	buf  bytes.Buffer
	once sync.Once
}

func (b *bufferResponseWriter) WriteHeader(statusCode int) {
	b.once.Do(func() { b.code = statusCode })
}

func (b *bufferResponseWriter) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func compressGzip(threshold int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get(headerAcceptEncoding), encodingGzip) {
				next.ServeHTTP(w, r)
				return
			}
			brw := &bufferResponseWriter{ResponseWriter: w}
			next.ServeHTTP(brw, r)

			if brw.code == 0 {
				brw.code = http.StatusOK
			}

			if brw.buf.Len() < threshold {
				w.WriteHeader(brw.code)
				_, _ = w.Write(brw.buf.Bytes())
				return
			}

			w.Header().Set(headerContentEncoding, encodingGzip)
			w.Header().Set(headerVary, headerAcceptEncoding)
			w.Header().Del("Content-Length")
			w.WriteHeader(brw.code)
			gz := gzip.NewWriter(w)
			if _, err := gz.Write(brw.buf.Bytes()); err != nil {
				zap.S().Errorw("gzip write error", "requestId", requestIDFrom(r.Context()), "error", err)
			}
			_ = gz.Close()
		})
	}
}
