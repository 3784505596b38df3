package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// HTTPBackend реализует Backend поверх HTTP API ноды (/node/*).
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// HTTPFactory is the storage.Factory for remote shards.
func HTTPFactory(addr string) (Backend, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty shard address")
	}
	return NewHTTPBackend("http://" + addr), nil
}

type kvBody struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

type scanBody struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type scanResp struct {
	Records []KV `json:"records"`
}

func (b *HTTPBackend) Get(ctx context.Context, key types.Key) (types.Value, error) {
	u := fmt.Sprintf("%s/node/kv?key=%s", b.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", dberrors.ErrShardUnavailable, b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, dberrors.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, respError("GET", resp)
	}

	var out kvBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode GET body: %w", err)
	}
	return out.Value, nil
}

func (b *HTTPBackend) Put(ctx context.Context, key types.Key, value types.Value) error {
	return b.doJSON(ctx, http.MethodPut, "/node/kv", kvBody{Key: key, Value: value}, nil)
}

func (b *HTTPBackend) Delete(ctx context.Context, key types.Key) error {
	u := fmt.Sprintf("%s/node/kv?key=%s", b.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("create DELETE request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: DELETE %s: %v", dberrors.ErrShardUnavailable, b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return respError("DELETE", resp)
	}
	return nil
}

func (b *HTTPBackend) ScanRange(ctx context.Context, start, end types.Key) ([]KV, error) {
	var out scanResp
	if err := b.doJSON(ctx, http.MethodPost, "/node/scan", scanBody{Start: start, End: end}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (b *HTTPBackend) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/node/ping", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: ping %s: %v", dberrors.ErrShardUnavailable, b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping status %d", dberrors.ErrShardUnavailable, resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) doJSON(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", dberrors.ErrShardUnavailable, method, b.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return respError(method, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func respError(method string, resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s status %d: %s", dberrors.ErrShardUnavailable, method, resp.StatusCode, string(b))
	}
	return fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, string(b))
}
