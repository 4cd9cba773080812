package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
	"github.com/sharding-experiment/multitoken/internal/shard"
)

const (
	// RequestIDHeader is echoed back on every response.
	RequestIDHeader = "X-Request-ID"

	// RequestTimeout bounds a whole gateway request, including every shard
	// call a transaction makes.
	RequestTimeout = 30 * time.Second
)

// Server is the coordinator's HTTP gateway.
type Server struct {
	coord  *Coordinator
	router *mux.Router
	log    *zap.Logger
}

func NewServer(coord *Coordinator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:  coord,
		router: mux.NewRouter(),
		log:    logger,
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Transactions
	s.router.HandleFunc("/tx", s.handleSubmit).Methods("POST")
	s.router.HandleFunc("/tx/pending", s.handlePending).Methods("GET")
	s.router.HandleFunc("/tx/{hash}", s.handleTxStatus).Methods("GET")

	// Queries
	s.router.HandleFunc("/balance/{token}/{account}", s.handleBalance).Methods("GET")
	s.router.HandleFunc("/approval/{account}/{target}", s.handleApproval).Methods("GET")
	s.router.HandleFunc("/shards", s.handleShards).Methods("GET")
	s.router.HandleFunc("/tokens/nonce", s.handleNonce).Methods("GET")
	s.router.HandleFunc("/tokens/{id:[0-9]+}", s.handleToken).Methods("GET")

	// Admin
	s.router.HandleFunc("/admin/shard-template", s.handleUpdateTemplate).Methods("POST")
	s.router.HandleFunc("/admin/migrate", s.handleMigrate).Methods("POST")
}

// Handler returns an http.Server serving the gateway on port.
func (s *Server) Handler(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// SubmitResponse is the reply to POST /tx.
type SubmitResponse struct {
	TxHash common.Hash    `json:"tx_hash"`
	Event  protocol.Event `json:"event,omitempty"`
	Status string         `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`

	// Token is the id allocated by a successful create.
	Token protocol.TokenID `json:"token,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Sender = senderOf(r)

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	hash := protocol.TransactionHash(req.Caller, req.TxID)
	receipt, err := s.coord.Submit(ctx, req)
	switch {
	case err == nil:
		json.NewEncoder(w).Encode(SubmitResponse{TxHash: hash, Event: receipt.Event, Token: receipt.Token})
	case errors.Is(err, protocol.ErrPending):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(SubmitResponse{TxHash: hash, Status: string(protocol.TxInProgress), Error: err.Error()})
	default:
		s.log.Warn("transaction refused",
			zap.String("request_id", w.Header().Get(RequestIDHeader)),
			zap.Stringer("tx", hash),
			zap.Error(err))
		writeError(w, err)
	}
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.coord.InProgress(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hashes == nil {
		hashes = []common.Hash{}
	}
	json.NewEncoder(w).Encode(map[string][]common.Hash{"pending": hashes})
}

func (s *Server) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	b, err := hexutil.Decode(mux.Vars(r)["hash"])
	if err != nil || len(b) != common.HashLength {
		http.Error(w, "invalid transaction hash", http.StatusBadRequest)
		return
	}
	hash := common.BytesToHash(b)

	st, seen, err := s.coord.TxStatus(r.Context(), hash)
	if err != nil {
		writeError(w, err)
		return
	}
	if !seen {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"tx_hash": hash.Hex(), "status": string(st)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, err := strconv.ParseUint(vars["token"], 10, 64)
	if err != nil {
		http.Error(w, "invalid token id", http.StatusBadRequest)
		return
	}
	account := common.HexToAddress(vars["account"])

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	balance, err := s.coord.Balance(ctx, protocol.TokenID(token), account)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(shard.BalanceResponse{
		Token:   protocol.TokenID(token),
		Account: account,
		Balance: balance.Dec(),
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account := common.HexToAddress(vars["account"])
	target := common.HexToAddress(vars["target"])

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	approved, err := s.coord.Approval(ctx, account, target)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"approved": approved})
}

func (s *Server) handleShards(w http.ResponseWriter, r *http.Request) {
	shards, err := s.coord.Shards(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	template, err := s.coord.ShardTemplate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if shards == nil {
		shards = []ShardInfo{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"template": template,
		"shards":   shards,
	})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.TokenNonce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]uint64{"nonce": uint64(n)})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid token id", http.StatusBadRequest)
		return
	}
	rec, err := s.coord.Token(r.Context(), protocol.TokenID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(rec)
}

type templateRequest struct {
	Template common.Hash `json:"template"`
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.UpdateShardTemplate(r.Context(), senderOf(r), req.Template); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"template": req.Template.Hex()})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	report, err := s.coord.MigrateShards(ctx, senderOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(report)
}

func senderOf(r *http.Request) common.Address {
	return common.HexToAddress(r.Header.Get(shard.SenderHeader))
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, protocol.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnknownToken), errors.Is(err, protocol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrShardUnavailable), errors.Is(err, protocol.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
