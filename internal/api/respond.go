package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// envelope is the uniform response wrapper for every JSON endpoint.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any, message string) {
	s.writeJSON(w, r, status, envelope{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: s.clock.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondError maps domain errors onto HTTP status codes and wraps them
// in the envelope. Unknown errors become opaque 500s; the detail goes to
// the log, not the client.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	var (
		ve *scrape.ValidationError
		nf *scrape.NotFoundError
		is *scrape.InvalidStateError
		re *scrape.RecipeError
	)
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &nf):
		status = http.StatusNotFound
	case errors.As(err, &is):
		status = http.StatusConflict
	case errors.As(err, &re):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal server error"
	}

	s.writeJSON(w, r, status, envelope{
		Success:   false,
		Error:     msg,
		Timestamp: s.clock.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write response failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// decodeJSON reads a request body into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &scrape.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
