package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kv-cache-service/api/dto"
)

// apiClient talks to the cache HTTP API and unwraps its response envelope.
type apiClient struct {
	http *http.Client
	base string
}

func newAPIClient(addr string, timeout time.Duration) *apiClient {
	return &apiClient{
		http: &http.Client{Timeout: timeout},
		base: strings.TrimRight(addr, "/"),
	}
}

type envelope struct {
	dto.Response
	Data json.RawMessage `json:"data"`
}

func cachePath(key string) string {
	return "/api/cache/" + url.PathEscape(key)
}

func ttlQuery(ttl time.Duration) string {
	if ttl <= 0 {
		return ""
	}
	return "?ttl=" + strconv.FormatInt(int64(ttl/time.Second), 10)
}

// do sends the request and returns the envelope's data. Non-2xx answers are
// turned into errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s: decode response: %w", resp.Status, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if env.Message == "" {
			env.Message = resp.Status
		}
		return nil, fmt.Errorf("%d: %s", resp.StatusCode, env.Message)
	}
	return env.Data, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(body))
}

func (c *apiClient) Get(ctx context.Context, key string) (dto.CacheEntryHit, error) {
	var hit dto.CacheEntryHit
	data, err := c.do(ctx, http.MethodGet, cachePath(key), "", nil)
	if err != nil {
		return hit, err
	}
	err = json.Unmarshal(data, &hit)
	return hit, err
}

func (c *apiClient) Put(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	_, err := c.do(ctx, http.MethodPut, cachePath(key)+ttlQuery(ttl), "application/json", bytes.NewReader(value))
	return err
}

func (c *apiClient) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, http.MethodDelete, cachePath(key), "", nil)
	return err
}

func (c *apiClient) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+cachePath(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%s", resp.Status)
	}
}

func (c *apiClient) MGet(ctx context.Context, keys []string) ([]dto.CacheEntryHit, error) {
	data, err := c.doJSON(ctx, http.MethodPost, "/api/cache/batch/get", dto.KeysRequest{Keys: keys})
	if err != nil {
		return nil, err
	}
	var resp dto.BatchGetResponse
	err = json.Unmarshal(data, &resp)
	return resp.Results, err
}

func (c *apiClient) MSet(ctx context.Context, entries []dto.CacheEntry, ttl time.Duration) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/cache/batch/put", dto.BatchPutRequest{
		Entries: entries,
		TTL:     int64(ttl / time.Second),
	})
	return err
}

func (c *apiClient) MDelete(ctx context.Context, keys []string) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/cache/batch/delete", dto.KeysRequest{Keys: keys})
	return err
}

func (c *apiClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	path := "/api/keys"
	if pattern != "" {
		path += "?pattern=" + url.QueryEscape(pattern)
	}
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var resp dto.KeysResponse
	err = json.Unmarshal(data, &resp)
	return resp.Keys, err
}

func (c *apiClient) Publish(ctx context.Context, channel, message string) error {
	path := "/api/channels/" + url.PathEscape(channel) + "/publish"
	_, err := c.do(ctx, http.MethodPost, path, "text/plain", strings.NewReader(message))
	return err
}

// parseEntry splits "key=json" as accepted by mset.
func parseEntry(arg string) (dto.CacheEntry, error) {
	key, value, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return dto.CacheEntry{}, fmt.Errorf("entry %q: expected key=JSON", arg)
	}
	if !json.Valid([]byte(value)) {
		return dto.CacheEntry{}, fmt.Errorf("entry %q: value is not valid JSON", arg)
	}
	return dto.CacheEntry{Key: key, Value: json.RawMessage(value)}, nil
}
