package flow

import (
	"fmt"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
)

// State is where an authorization flow is in the handshake.
type State string

const (
	StateStarted        State = "started"
	StateRedirectIssued State = "redirect_issued"
	StateCodeReceived   State = "code_received"
	StateTokenExchanged State = "token_exchanged"
	StateSessionIssued  State = "session_issued"
	StateFailed         State = "failed"
)

// FailureReason says why a flow ended in StateFailed.
type FailureReason string

const (
	ReasonInvalidRedirect     FailureReason = "invalid_redirect"
	ReasonUpstreamDenied      FailureReason = "upstream_denied"
	ReasonUpstreamUnavailable FailureReason = "upstream_unavailable"
	ReasonPKCEMismatch        FailureReason = "pkce_mismatch"
	ReasonTimeout             FailureReason = "timeout"
	ReasonInvalidRequest      FailureReason = "invalid_request"
)

var transitions = map[State]State{
	StateStarted:        StateRedirectIssued,
	StateRedirectIssued: StateCodeReceived,
	StateCodeReceived:   StateTokenExchanged,
	StateTokenExchanged: StateSessionIssued,
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateSessionIssued || s == StateFailed
}

// CanTransition reports whether from -> to is a legal step. Failing is legal
// from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return transitions[from] == to
}

// ReasonFor maps an error onto the failure reason recorded for the flow.
func ReasonFor(err error) FailureReason {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidRedirect):
		return ReasonInvalidRedirect
	case apperrors.Is(err, apperrors.ErrUpstreamDenied):
		return ReasonUpstreamDenied
	case apperrors.Is(err, apperrors.ErrUpstreamUnavailable):
		return ReasonUpstreamUnavailable
	case apperrors.Is(err, apperrors.ErrPKCEMismatch):
		return ReasonPKCEMismatch
	case apperrors.Is(err, apperrors.ErrFlowTimeout):
		return ReasonTimeout
	default:
		return ReasonInvalidRequest
	}
}

func illegalTransition(from, to State) error {
	return fmt.Errorf("[flow] illegal transition %s -> %s: %w", from, to, apperrors.ErrInternal)
}
