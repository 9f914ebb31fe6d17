package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/auth"
	"github.com/example/courier-dispatch/internal/delivery"
	"github.com/example/courier-dispatch/internal/matcher"
	"github.com/example/courier-dispatch/internal/storage"
	"github.com/example/courier-dispatch/internal/tracking"
)

var (
	errRole       = errors.New("this action is not available to your role")
	errNotOwner   = errors.New("you do not own this resource")
	errBadRequest = errors.New("bad request")
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, errRole), errors.Is(err, errNotOwner), errors.Is(err, matcher.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, matcher.ErrNotFound),
		errors.Is(err, matcher.ErrCourierNotFound), errors.Is(err, tracking.ErrCourierNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, matcher.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrInvalidTransition), errors.Is(err, matcher.ErrNotAssignable),
		errors.Is(err, matcher.ErrNoPickup):
		return http.StatusConflict
	case errors.Is(err, matcher.ErrNoCourierAvailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("route", routeTemplate(r)),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
