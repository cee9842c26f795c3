// Package server exposes the HTTP control API that starts and stops
// tracking and edits the market set of tracked accounts.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/whitetrader/wsrelay/internal/model"
	"github.com/whitetrader/wsrelay/internal/registry"
)

// Tracker is the slice of registry.Registry the control API drives.
type Tracker interface {
	StartTracking(ctx context.Context, accountID int64, market string) error
	StopTracking(ctx context.Context, accountID int64, market string) error
	AddMarket(ctx context.Context, accountID int64, market string) error
	RemoveMarket(ctx context.Context, accountID int64, market string) error
}

// Server is the control API listener.
type Server struct {
	tracker Tracker
	logger  *slog.Logger
	http    *http.Server
}

// statusResponse is the body of every control reply.
type statusResponse struct {
	Status    string `json:"status"`
	AccountID int64  `json:"accountId,omitempty"`
	Market    string `json:"market,omitempty"`
	Error     string `json:"error,omitempty"`
}

// marketRequest is the body of the POST market-edit endpoints.
type marketRequest struct {
	Market string `json:"market"`
}

// NewServer builds the control API around the tracker.
func NewServer(port int, tracker Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		tracker: tracker,
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/start/{accountId}/{market}", s.handleStart).Methods(http.MethodGet)
	r.HandleFunc("/stop/{accountId}/{market}", s.handleStop).Methods(http.MethodGet)
	r.HandleFunc("/addMarket/{accountId}", s.handleAddMarket).Methods(http.MethodPost)
	r.HandleFunc("/removeMarket/{accountId}", s.handleRemoveMarket).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the route tree, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the control API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	accountID, market, ok := s.pathParams(w, r)
	if !ok {
		return
	}
	s.apply(w, r, accountID, market, s.tracker.StartTracking)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	accountID, market, ok := s.pathParams(w, r)
	if !ok {
		return
	}
	s.apply(w, r, accountID, market, s.tracker.StopTracking)
}

func (s *Server) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	accountID, market, ok := s.bodyParams(w, r)
	if !ok {
		return
	}
	s.apply(w, r, accountID, market, s.tracker.AddMarket)
}

func (s *Server) handleRemoveMarket(w http.ResponseWriter, r *http.Request) {
	accountID, market, ok := s.bodyParams(w, r)
	if !ok {
		return
	}
	s.apply(w, r, accountID, market, s.tracker.RemoveMarket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// apply runs one tracker operation and maps its error to an HTTP status.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, accountID int64, market string, op func(context.Context, int64, string) error) {
	err := op(r.Context(), accountID, market)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, statusResponse{
			Status:    "ok",
			AccountID: accountID,
			Market:    market,
		})
	case errors.Is(err, registry.ErrUnknownAccount):
		s.writeError(w, http.StatusNotFound, accountID, market, err)
	case errors.Is(err, model.ErrInvalidMarket):
		s.writeError(w, http.StatusBadRequest, accountID, market, err)
	default:
		s.logger.Error("control operation failed",
			"path", r.URL.Path,
			"account_id", accountID,
			"market", market,
			"error", err,
		)
		s.writeError(w, http.StatusInternalServerError, accountID, market, err)
	}
}

// pathParams extracts {accountId} and {market} from the route.
func (s *Server) pathParams(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	vars := mux.Vars(r)

	accountID, err := strconv.ParseInt(vars["accountId"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, 0, vars["market"],
			fmt.Errorf("invalid account id %q", vars["accountId"]))
		return 0, "", false
	}

	return accountID, vars["market"], true
}

// bodyParams extracts {accountId} from the route and the market from the
// JSON body.
func (s *Server) bodyParams(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	vars := mux.Vars(r)

	accountID, err := strconv.ParseInt(vars["accountId"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, 0, "",
			fmt.Errorf("invalid account id %q", vars["accountId"]))
		return 0, "", false
	}

	var req marketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, accountID, "",
			fmt.Errorf("decode request body: %w", err))
		return 0, "", false
	}
	if req.Market == "" {
		s.writeError(w, http.StatusBadRequest, accountID, "",
			errors.New("missing market in request body"))
		return 0, "", false
	}

	return accountID, req.Market, true
}

func (s *Server) writeError(w http.ResponseWriter, status int, accountID int64, market string, err error) {
	s.writeJSON(w, status, statusResponse{
		Status:    "error",
		AccountID: accountID,
		Market:    market,
		Error:     err.Error(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}
