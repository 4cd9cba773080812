package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sharding-experiment/multitoken/internal/protocol"
)

const (
	// SenderHeader carries the identity of the calling component.
	SenderHeader = "X-Sender"

	// RequestTimeout bounds how long a handler waits for the worker.
	RequestTimeout = 10 * time.Second
)

// Server exposes a worker over HTTP so that a coordinator in another process
// can address it.
type Server struct {
	worker *Worker
	router *mux.Router
	log    *zap.Logger
}

func NewServer(worker *Worker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		worker: worker,
		router: mux.NewRouter(),
		log:    logger.With(zap.String("shard", worker.ID())),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/init", s.handleInit).Methods("POST")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	// Reads
	s.router.HandleFunc("/balance/{token}/{account}", s.handleBalance).Methods("GET")
	s.router.HandleFunc("/approval/{owner}/{delegate}", s.handleApproval).Methods("GET")
	s.router.HandleFunc("/token/{id}/metadata", s.handleTokenMetadata).Methods("GET")
	s.router.HandleFunc("/token/{id}/owner", s.handleTokenOwner).Methods("GET")

	// Mutations (owner only, keyed by tx hash)
	s.router.HandleFunc("/transfer", s.handleTransfer).Methods("POST")
	s.router.HandleFunc("/approve", s.handleApprove).Methods("POST")
	s.router.HandleFunc("/balance/increase", s.handleIncrease).Methods("POST")
	s.router.HandleFunc("/balance/decrease", s.handleDecrease).Methods("POST")
	s.router.HandleFunc("/mint", s.handleMint).Methods("POST")
	s.router.HandleFunc("/burn", s.handleBurn).Methods("POST")
	s.router.HandleFunc("/clear", s.handleClear).Methods("POST")
}

// Handler returns an http.Server serving the shard on port.
func (s *Server) Handler(port int) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req protocol.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	if err := s.worker.Init(ctx, req); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	info, err := s.worker.Info(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(info)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	token, err := parseTokenID(vars["token"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	account := common.HexToAddress(vars["account"])

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	balance, err := s.worker.Balance(ctx, token, account)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(BalanceResponse{
		Token:   token,
		Account: account,
		Balance: balance.Dec(),
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner := common.HexToAddress(vars["owner"])
	delegate := common.HexToAddress(vars["delegate"])

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	approved, err := s.worker.Approval(ctx, owner, delegate)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"approved": approved})
}

func (s *Server) handleTokenMetadata(w http.ResponseWriter, r *http.Request) {
	token, err := parseTokenID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	meta, err := s.worker.TokenMetadata(ctx, token)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleTokenOwner(w http.ResponseWriter, r *http.Request) {
	token, err := parseTokenID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	owner, err := s.worker.TokenOwner(ctx, token)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"owner": owner.Hex()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransferRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.Transfer(ctx, sender, req)
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req protocol.ApproveRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.Approve(ctx, sender, req)
	})
}

func (s *Server) handleIncrease(w http.ResponseWriter, r *http.Request) {
	var req protocol.BalanceRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.IncreaseBalance(ctx, sender, req)
	})
}

func (s *Server) handleDecrease(w http.ResponseWriter, r *http.Request) {
	var req protocol.BalanceRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.DecreaseBalance(ctx, sender, req)
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req protocol.MintRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.Mint(ctx, sender, req)
	})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req protocol.BurnRequest
	s.handleMutation(w, r, &req, func(ctx context.Context, sender common.Address) (protocol.Event, error) {
		return s.worker.Burn(ctx, sender, req)
	})
}

type clearRequest struct {
	TxHash common.Hash `json:"tx_hash"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	if err := s.worker.ClearTransaction(ctx, senderOf(r), req.TxHash); err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleMutation decodes req, runs apply as the request sender and writes the
// event. Rejections by the shard are a 200 with event "err".
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request, req any, apply func(context.Context, common.Address) (protocol.Event, error)) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	ev, err := apply(ctx, senderOf(r))
	if err != nil {
		s.log.Warn("mutation refused", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(protocol.EventResponse{Event: ev})
}

// BalanceResponse is the wire form of a balance query.
type BalanceResponse struct {
	Token   protocol.TokenID `json:"token"`
	Account common.Address   `json:"account"`
	Balance string           `json:"balance"`
}

func senderOf(r *http.Request) common.Address {
	return common.HexToAddress(r.Header.Get(SenderHeader))
}

func parseTokenID(s string) (protocol.TokenID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(protocol.ErrInvalidAction, "invalid token id %q", s)
	}
	return protocol.TokenID(id), nil
}

// writeError maps worker errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, protocol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidAction):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
