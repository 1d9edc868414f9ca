package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kv-cache-service/api/dto"
	"kv-cache-service/internal/config"
	"kv-cache-service/internal/kvcache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	gzipThreshold   = 500 // responses shorter than this are sent uncompressed
	baseAPIPath     = "/api"
	cachePath       = "/cache"
	batchGetPath    = cachePath + "/batch/get"
	batchPutPath    = cachePath + "/batch/put"
	batchDeletePath = cachePath + "/batch/delete"
	keysPath        = "/keys"
	publishPath     = "/channels/{channel}/publish"
	contentTypeJSON = "application/json"
	defaultPattern  = "*"
)

// Store is the part of the cache service the API exposes.
type Store interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	MSet(ctx context.Context, pairs []kvcache.Pair, ttl time.Duration) error
	Get(ctx context.Context, key string) (any, bool, error)
	MGet(ctx context.Context, keys []string) ([]kvcache.Lookup[any], error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel, message string) error
	Ping(ctx context.Context) error
}

var _ Store = (*kvcache.Service)(nil)

type Options struct {
	MaxBodySize int64
	RateLimit   config.RateLimit
}

func OptionsFromConfig(cfg config.Server) (Options, error) {
	maxBody, err := cfg.MaxBodySizeBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{MaxBodySize: int64(maxBody), RateLimit: cfg.RateLimit}, nil
}

// NewRouter returns the API handler. /metrics and /health live on the
// router built by NewMetricsRouter.
func NewRouter(store Store, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(MetricsMiddleware)
	r.Use(newRateLimiter(opts.RateLimit).middleware)
	r.Use(limitBody(opts.MaxBodySize))
	r.Use(decompressGzip(opts.MaxBodySize))
	r.Use(compressGzip(gzipThreshold))

	h := &handlers{store: store}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route(baseAPIPath, func(r chi.Router) {
		r.Post(batchGetPath, h.batchGet)
		r.Post(batchPutPath, h.batchPut)
		r.Post(batchDeletePath, h.batchDelete)

		r.Get(cachePath+"/*", h.get)
		r.Head(cachePath+"/*", h.exists)
		r.Put(cachePath+"/*", h.put)
		r.Delete(cachePath+"/*", h.delete)

		r.Get(keysPath, h.keys)
		r.Post(publishPath, h.publish)
	})

	return r
}

// NewMetricsRouter serves Prometheus metrics and a health check that pings
// the store.
func NewMetricsRouter(store Store) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			writeError(w, r, http.StatusServiceUnavailable, "store is unreachable")
			return
		}
		writeJSON(w, r, http.StatusOK, "ok", nil)
	})
	return r
}

type handlers struct {
	store Store
}

func keyParam(r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	value, found, err := h.store.Get(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, r, http.StatusOK, "", dto.CacheEntryHit{Key: key, Value: value, Found: true})
}

func (h *handlers) exists(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	exists, err := h.store.Exists(r.Context(), key)
	switch {
	case err != nil:
		w.WriteHeader(statusFor(err))
	case exists:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handlers) put(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	ttl, err := dto.ParseTTL(r.URL.Query().Get("ttl"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var raw json.RawMessage
	if !decodeBody(w, r, &raw) {
		return
	}
	if err = h.store.Set(r.Context(), key, raw, ttl); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "value stored", nil)
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "value deleted", nil)
}

func (h *handlers) batchGet(w http.ResponseWriter, r *http.Request) {
	var req dto.KeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty keys")
		return
	}
	lookups, err := h.store.MGet(r.Context(), req.Keys)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", dto.BatchGetResponse{Results: dto.MapHits(lookups)})
}

func (h *handlers) batchPut(w http.ResponseWriter, r *http.Request) {
	var req dto.BatchPutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty entries")
		return
	}
	ttl, err := dto.TTLFromSeconds(req.TTL)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pairs, err := dto.MapPairs(req.Entries)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err = h.store.MSet(r.Context(), pairs, ttl); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "values stored", dto.CountResponse{Count: len(pairs)})
}

func (h *handlers) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req dto.KeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty keys")
		return
	}
	if err := h.store.Delete(r.Context(), req.Keys...); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "values deleted", dto.CountResponse{Count: len(req.Keys)})
}

func (h *handlers) keys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = defaultPattern
	}
	keys, err := h.store.Keys(r.Context(), pattern)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "", dto.KeysResponse{Pattern: pattern, Keys: keys})
}

func (h *handlers) publish(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}
	if err = h.store.Publish(r.Context(), channel, string(body)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, "message published", dto.PublishResponse{Channel: channel, Size: len(body)})
}

// decodeBody reads a JSON request body into v and answers the request
// itself when that fails.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if !strings.HasPrefix(r.Header.Get("Content-Type"), contentTypeJSON) {
		writeError(w, r, http.StatusUnsupportedMediaType, "unsupported content type")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBodyError(w, r, err)
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kvcache.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, kvcache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, kvcache.ErrStoreOperationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	zap.S().Errorw("request failed", "requestId", requestIDFrom(r.Context()), "path", r.URL.Path, "status", status, "error", err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeError(w, r, status, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, msg, nil)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, msg string, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	resp := dto.Response{
		Success:    status < http.StatusBadRequest,
		StatusCode: status,
		Message:    msg,
		Data:       data,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zap.S().Errorw("encode error", "requestId", requestIDFrom(r.Context()), "error", err)
	}
}
