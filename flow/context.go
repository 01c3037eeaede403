package flow

import (
	"time"

	"github.com/google/uuid"
)

// Context is the server side state of one authorization handshake. Its ID is
// sent upstream as the OAuth state parameter and correlates the callback.
type Context struct {
	ID            string        `json:"id"`
	RedirectURI   string        `json:"redirect_uri"`
	ClientState   string        `json:"client_state,omitempty"`
	Verifier      string        `json:"verifier,omitempty"`
	Challenge     string        `json:"challenge,omitempty"`
	State         State         `json:"state"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// NewContext starts a flow for redirectURI that must complete within timeout.
func NewContext(redirectURI, clientState string, now time.Time, timeout time.Duration) *Context {
	return &Context{
		ID:          uuid.NewString(),
		RedirectURI: redirectURI,
		ClientState: clientState,
		State:       StateStarted,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}
}

// Expired reports whether the flow outlived its timeout at now.
func (c *Context) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Transition moves the flow to next, rejecting illegal steps.
func (c *Context) Transition(next State) error {
	if !CanTransition(c.State, next) {
		return illegalTransition(c.State, next)
	}
	c.State = next
	return nil
}

// Fail moves the flow to StateFailed with reason. Failing an already
// terminal flow is a no-op.
func (c *Context) Fail(reason FailureReason) {
	if c.State.Terminal() {
		return
	}
	c.State = StateFailed
	c.FailureReason = reason
}

func (c *Context) clone() *Context {
	cp := *c
	return &cp
}
