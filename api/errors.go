package api

import (
	"errors"
	"net/http"

	errorsmod "cosmossdk.io/errors"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
)

// ErrorBody is the JSON shape of every rejection.
type ErrorBody struct {
	Code      uint32 `json:"code"`
	Codespace string `json:"codespace"`
	Reason    string `json:"reason"`
	Details   any    `json:"details,omitempty"`
}

var statusByClass = []struct {
	err    *errorsmod.Error
	status int
}{
	{core.ErrSessionNotFound, http.StatusNotFound},
	{core.ErrSessionExpired, http.StatusGone},
	{core.ErrIdentityMismatch, http.StatusForbidden},
	{core.ErrReplayMismatch, http.StatusUnprocessableEntity},
	{core.ErrCadence, http.StatusUnprocessableEntity},
	{core.ErrInvalidRequest, http.StatusBadRequest},
	{core.ErrRateLimited, http.StatusTooManyRequests},
}

func statusOf(err error) int {
	for _, c := range statusByClass {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	codespace, code, reason := errorsmod.ABCIInfo(err, false)
	body := ErrorBody{Code: code, Codespace: codespace, Reason: reason}

	var v *cadence.Violation
	if errors.As(err, &v) {
		body.Details = v
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, body)
}
