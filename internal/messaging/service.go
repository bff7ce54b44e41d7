// Package messaging provides pluggable outbound message delivery for
// CareFlow and surfaces inbound replies for the inbound_message trigger.
package messaging

import (
	"context"

	"github.com/caregrid/careflow/internal/models"
)

// Service defines a pluggable message delivery abstraction. It supports
// sending SMS and email, and provides a channel of inbound replies.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each service implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendSMS sends a text message to a recipient phone number.
	SendSMS(ctx context.Context, to string, body string) error

	// SendEmail sends an email to a recipient address.
	SendEmail(ctx context.Context, to string, subject string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound messages from entities.
	Responses() <-chan models.InboundMessage
}
