package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/types"
)

// HTTPParticipant speaks the participant protocol to a remote node's
// /node/txn/* endpoints.
type HTTPParticipant struct {
	baseURL string
	client  *http.Client
}

func NewHTTPParticipant(baseURL string) *HTTPParticipant {
	return &HTTPParticipant{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// PrepareRequest is the wire shape of a prepare call.
type PrepareRequest struct {
	Txn types.TxnID `json:"txn"`
	Ops []Op        `json:"ops"`
}

// DecisionRequest carries a commit or abort delivery.
type DecisionRequest struct {
	Txn types.TxnID `json:"txn"`
}

func (p *HTTPParticipant) Prepare(ctx context.Context, txn types.TxnID, ops []Op) error {
	return p.post(ctx, "/node/txn/prepare", PrepareRequest{Txn: txn, Ops: ops})
}

func (p *HTTPParticipant) Commit(ctx context.Context, txn types.TxnID) error {
	return p.post(ctx, "/node/txn/commit", DecisionRequest{Txn: txn})
}

func (p *HTTPParticipant) Abort(ctx context.Context, txn types.TxnID) error {
	return p.post(ctx, "/node/txn/abort", DecisionRequest{Txn: txn})
}

func (p *HTTPParticipant) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", dberrors.ErrShardUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		// не-2xx на prepare - это голос Abort, а не транзиентный сбой
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(b))
	}
	return nil
}
