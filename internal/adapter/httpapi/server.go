package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"github.com/example/subscription-approval/internal/usecase"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type Server struct {
	Router       *mux.Router
	UCGet        usecase.GetExecution
	UCTrigger    usecase.HandleOccurrence
	Orchestrator *usecase.Orchestrator
	Logger       *zap.Logger
}

func NewServer(get usecase.GetExecution, trigger usecase.HandleOccurrence, o *usecase.Orchestrator, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		Router:       mux.NewRouter(),
		UCGet:        get,
		UCTrigger:    trigger,
		Orchestrator: o,
		Logger:       logger.Named("http"),
	}
	s.Router.HandleFunc("/api/events", s.handleEvent).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/executions/{id}", s.handleGet).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/executions/{id}/resume", s.handleResume).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/executions/{id}/abort", s.handleAbort).Methods(http.MethodPost)
	s.Router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	s.Router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	e, err := s.UCTrigger.Execute(r.Context(), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, err := s.UCGet.Execute(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type resumeRequest struct {
	Token    string              `json:"token"`
	Status   domain.TicketStatus `json:"status"`
	Approver string              `json:"approver"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Orchestrator.Resume(r.Context(), id, req.Token, req.Status, req.Approver); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type abortRequest struct {
	Token  string               `json:"token"`
	Reason domain.FailureReason `json:"reason"`
	Detail string               `json:"detail"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !validReason(req.Reason) {
		http.Error(w, "unknown failure reason", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.Orchestrator.Abort(r.Context(), id, req.Token, req.Reason, req.Detail); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func validReason(r domain.FailureReason) bool {
	switch r {
	case domain.ReasonRetriesExhausted, domain.ReasonTimeout, domain.ReasonConfiguration,
		domain.ReasonCredential, domain.ReasonTicket, domain.ReasonCallback:
		return true
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnsupportedEvent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrExecutionExists), errors.Is(err, domain.ErrTokenInvalid):
		http.Error(w, err.Error(), http.StatusConflict)
	case domain.KindOf(err) == domain.KindConfiguration:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.Logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
