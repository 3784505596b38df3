package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sharddb/pkg/dberrors"
	"sharddb/pkg/query"
	"sharddb/pkg/rebalance"
	"sharddb/pkg/routing"
	"sharddb/pkg/storage"
	"sharddb/pkg/txn"
	"sharddb/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// iQueryAPI - операции с ключами через query-координатор
type iQueryAPI interface {
	Get(ctx context.Context, key types.Key) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value) error
	Delete(ctx context.Context, key types.Key) error
	Count(ctx context.Context) (int64, query.Partial, error)
	DistinctKeys(ctx context.Context) ([]types.Key, query.Partial, error)
	ScanOrdered(ctx context.Context, start, end types.Key) ([]storage.KV, query.Partial, error)
}

type iTxnAPI interface {
	Execute(ctx context.Context, ops []txn.Op) (types.TxnID, error)
	Resolve(id types.TxnID) txn.Outcome
}

type iAdminAPI interface {
	AddShard(id types.ShardID, addr string) error
	RemoveShard(id types.ShardID) error
}

// ShardStatus is one registry record in the status report.
type ShardStatus struct {
	ID        types.ShardID `json:"id"`
	Addr      string        `json:"addr"`
	State     string        `json:"state"`
	Load      float64       `json:"load"`
	LastProbe time.Time     `json:"last_probe"`
}

// StatusReport is the full admin snapshot: registry, ring, in-flight
// migrations and transactions.
type StatusReport struct {
	Shards         []ShardStatus          `json:"shards"`
	RingGeneration uint64                 `json:"ring_generation"`
	PinnedArcs     []routing.Interval     `json:"pinned_arcs,omitempty"`
	Migrations     []rebalance.TaskStatus `json:"migrations,omitempty"`
	Transactions   []txn.TxnStatus        `json:"transactions,omitempty"`
	Metrics        map[string]float64     `json:"metrics,omitempty"`
}

// Server serves three surfaces on one port: /node/* (локальный шард:
// движок + участник 2PC), /api/* (координаторы) и /admin/*.
type Server struct {
	queries iQueryAPI
	txns    iTxnAPI
	admin   iAdminAPI
	status  func() StatusReport

	// node role, nil when this process hosts no local shard
	backend     storage.Backend
	participant *txn.LocalParticipant

	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		URL:  "http://localhost:" + port,
		addr: ":" + port,
	}
}

// SetCoordinators wires the cluster-facing surface.
func (s *Server) SetCoordinators(q iQueryAPI, t iTxnAPI, admin iAdminAPI, status func() StatusReport) {
	s.queries = q
	s.txns = t
	s.admin = admin
	s.status = status
}

// SetLocalShard wires the node-facing surface.
func (s *Server) SetLocalShard(be storage.Backend, p *txn.LocalParticipant) {
	s.backend = be
	s.participant = p
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "err", err)
		}
	}()
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	if s.backend != nil {
		r.Get("/node/ping", s.handleNodePing)
		r.Get("/node/kv", s.handleNodeGet)
		r.Put("/node/kv", s.handleNodePut)
		r.Delete("/node/kv", s.handleNodeDelete)
		r.Post("/node/scan", s.handleNodeScan)
	}
	if s.participant != nil {
		r.Post("/node/txn/prepare", s.handleTxnPrepare)
		r.Post("/node/txn/commit", s.handleTxnCommit)
		r.Post("/node/txn/abort", s.handleTxnAbort)
	}

	if s.queries != nil {
		r.Get("/api/kv", s.handleGet)
		r.Put("/api/kv", s.handlePut)
		r.Delete("/api/kv", s.handleDelete)
		r.Get("/api/query/count", s.handleCount)
		r.Get("/api/query/keys", s.handleKeys)
		r.Get("/api/query/scan", s.handleScan)
	}
	if s.txns != nil {
		r.Post("/api/txn", s.handleTxnExecute)
		r.Get("/api/txn/{id}", s.handleTxnResolve)
	}
	if s.admin != nil {
		r.Post("/admin/shards", s.handleAddShard)
		r.Delete("/admin/shards/{id}", s.handleRemoveShard)
		r.Get("/admin/status", s.handleStatus)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewOKResponse())
}

// ---- node surface ----

func (s *Server) handleNodePing(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, NewOKResponse())
}

type kvPayload struct {
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	val, err := s.backend.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, kvPayload{Key: key, Value: val})
}

func (s *Server) handleNodePut(w http.ResponseWriter, r *http.Request) {
	var body kvPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backend.Put(r.Context(), body.Key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := s.backend.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type scanPayload struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleNodeScan(w http.ResponseWriter, r *http.Request) {
	var body scanPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.backend.ScanRange(r.Context(), body.Start, body.End)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleTxnPrepare(w http.ResponseWriter, r *http.Request) {
	var body txn.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.participant.Prepare(r.Context(), body.Txn, body.Ops); err != nil {
		// голос Abort
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleTxnCommit(w http.ResponseWriter, r *http.Request) {
	var body txn.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.participant.Commit(r.Context(), body.Txn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleTxnAbort(w http.ResponseWriter, r *http.Request) {
	var body txn.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.participant.Abort(r.Context(), body.Txn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

// ---- cluster surface ----

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	val, err := s.queries.Get(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, kvPayload{Key: key, Value: val})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var body kvPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queries.Put(r.Context(), body.Key, body.Value); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := s.queries.Delete(r.Context(), key); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type aggregateResponse struct {
	Count   int64         `json:"count,omitempty"`
	Keys    []string      `json:"keys,omitempty"`
	Records []storage.KV  `json:"records,omitempty"`
	Partial query.Partial `json:"partial"`
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, part, err := s.queries.Count(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{Count: n, Partial: part})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, part, err := s.queries.DistinctKeys(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{Keys: keys, Partial: part})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, part, err := s.queries.ScanOrdered(r.Context(), q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{Records: records, Partial: part})
}

type txnRequest struct {
	Ops []txn.Op `json:"ops"`
}

type txnResponse struct {
	Txn     types.TxnID `json:"txn"`
	Outcome string      `json:"outcome"`
}

func (s *Server) handleTxnExecute(w http.ResponseWriter, r *http.Request) {
	var body txnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.txns.Execute(r.Context(), body.Ops)
	if err != nil {
		if errors.Is(err, dberrors.ErrTxnAborted) {
			// чистый аборт - нормальный исход, не 5xx
			writeJSON(w, http.StatusConflict, txnResponse{Txn: id, Outcome: "aborted"})
			return
		}
		if errors.Is(err, dberrors.ErrTxnCommitPending) {
			// решение durable, доставка доедет в фоне
			writeJSON(w, http.StatusAccepted, txnResponse{Txn: id, Outcome: "committing"})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, txnResponse{Txn: id, Outcome: "committed"})
}

func (s *Server) handleTxnResolve(w http.ResponseWriter, r *http.Request) {
	id := types.TxnID(chi.URLParam(r, "id"))
	var outcome string
	switch s.txns.Resolve(id) {
	case txn.OutcomeCommitted:
		outcome = "committed"
	case txn.OutcomeAborted:
		outcome = "aborted"
	default:
		outcome = "pending"
	}
	writeJSON(w, http.StatusOK, txnResponse{Txn: id, Outcome: outcome})
}

// ---- admin surface ----

type addShardRequest struct {
	ID   types.ShardID `json:"id"`
	Addr string        `json:"addr"`
}

func (s *Server) handleAddShard(w http.ResponseWriter, r *http.Request) {
	var body addShardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.ID == "" || body.Addr == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id and addr are required"))
		return
	}
	if err := s.admin.AddShard(body.ID, body.Addr); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRemoveShard(w http.ResponseWriter, r *http.Request) {
	id := types.ShardID(chi.URLParam(r, "id"))
	if err := s.admin.RemoveShard(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dberrors.ErrNoShardsAvailable), errors.Is(err, dberrors.ErrUnknownShard):
		return http.StatusBadGateway
	case errors.Is(err, dberrors.ErrShardUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
