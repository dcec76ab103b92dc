// Package transport is the boundary to the external email service provider.
// The system guarantees at-least-once dispatch to it; everything downstream
// relies on idempotent recipient-state transitions, not on the transport.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks conditions that prevent any send at all: the service
// cannot be reached or rejects our credentials. The dispatcher treats it as a
// campaign-level failure when nothing has been delivered yet.
var ErrUnavailable = errors.New("transport unavailable")

// PermanentError is a per-recipient rejection that retrying cannot fix, such
// as an invalid address. The recipient is marked terminal; the campaign
// continues.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent rejection: %s", e.Reason)
}

// IsPermanent reports whether err is a per-recipient permanent rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Message is one outbound email handed to the provider.
type Message struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Receipt is the provider's acknowledgement of an accepted message.
type Receipt struct {
	MessageID string `json:"message_id"`
}

// Sender delivers a single message. Errors are classified three ways: a
// *PermanentError fails the recipient immediately, ErrUnavailable may fail
// the campaign, and anything else is transient and retried with backoff.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}
