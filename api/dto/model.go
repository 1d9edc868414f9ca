package dto

import (
	"encoding/json"
)

// Response оборачивает ответ любого эндпоинта API.
type Response struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// CacheEntry содержит ключ и JSON-значение для записи.
type CacheEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// CacheEntryHit описывает результат чтения; Value опускается при Found=false.
type CacheEntryHit struct {
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type KeysRequest struct {
	Keys []string `json:"keys"`
}

// BatchPutRequest записывает все entries с одним TTL в секундах; 0 означает бессрочно.
type BatchPutRequest struct {
	Entries []CacheEntry `json:"entries"`
	TTL     int64        `json:"ttl"`
}

type BatchGetResponse struct {
	Results []CacheEntryHit `json:"results"`
}

type KeysResponse struct {
	Pattern string   `json:"pattern"`
	Keys    []string `json:"keys"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type PublishResponse struct {
	Channel string `json:"channel"`
	Size    int    `json:"size"`
}
