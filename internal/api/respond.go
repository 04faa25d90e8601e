// Package api is the HTTP boundary: the chi router, the middleware chain,
// and the handlers translating requests into service calls.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// errorBody is the wire format of every error response.
type errorBody struct {
	Key    string         `json:"key"`
	Status int            `json:"status"`
	Info   map[string]any `json:"info,omitempty"`
	Cause  string         `json:"cause,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperr.From(err)

	if appErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"key", appErr.Key,
			"error", err,
		)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
	}

	body := errorBody{Key: appErr.Key, Status: appErr.Status, Info: appErr.Info}
	if appErr.Cause != nil && !s.cfg.IsProduction() {
		body.Cause = appErr.Cause.Error()
	}
	s.respond(w, appErr.Status, body)
}

// maxBodyBytes bounds request bodies; nothing the core accepts is large.
const maxBodyBytes = 1 << 20

func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.BadRequest("server.request.invalidBody", nil)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			return apperr.BadRequest("server.request.invalidJson", nil)
		}
		return apperr.BadRequest("server.request.invalidBody", nil)
	}
	return nil
}

// successBody is the shared `{success:true}` response of mutating endpoints
// that return no entity.
var successBody = map[string]bool{"success": true}

func requestLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
