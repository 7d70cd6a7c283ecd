package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"i4.energy/across/gsmbridge/modem"
)

// Server handles incoming HTTP requests for the gateway
type Server struct {
	Logger   *slog.Logger
	Sender   Sender
	Reporter *Reporter
	// Ready reports whether the receive loop is still running; nil means
	// always ready.
	Ready func() bool
}

// Handler returns the router for the gateway API
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(sendTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/sms", s.handleSMS)
	return r
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil && !s.Ready() {
		s.sendError(w, "receive loop stopped", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.Reporter == nil {
		s.sendError(w, "status not available", http.StatusNotImplemented)
		return
	}
	status := s.Reporter.Snapshot(r.Context())
	code := http.StatusOK
	if status.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, code)
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	type SMSResponse struct {
		ID        string `json:"id"`
		Reference int    `json:"reference"`
	}

	id := uuid.NewString()
	logger := s.Logger.With("request_id", id)

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ref, err := s.Sender.Send(r.Context(), req.To, req.Message)
	if err != nil {
		logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), statusFor(err))
		return
	}

	logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "reference", ref, "elapsed", time.Since(start))
	s.sendJSON(w, SMSResponse{ID: id, Reference: ref}, http.StatusOK)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, modem.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, modem.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrTimeout), errors.Is(err, modem.ErrSendUnconfirmed):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
