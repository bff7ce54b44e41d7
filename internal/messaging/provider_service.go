// Package messaging provides pluggable outbound message delivery for
// CareFlow and surfaces inbound replies for the inbound_message trigger.
//
// This file implements the production Service backed by a Twilio SMS
// client and an SMTP email sender. Inbound SMS replies arrive through the
// API webhook and are pushed onto the Responses channel.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/caregrid/careflow/internal/models"
	"github.com/caregrid/careflow/internal/twilio"
)

// DefaultChannelBufferSize is the buffer size for the inbound responses channel.
const DefaultChannelBufferSize = 100

// phoneNumberRegex matches all non-numeric characters for canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// EmailSender is the outbound email boundary.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, subject string, body string) error
}

// Compile-time check that ProviderService implements Service.
var _ Service = (*ProviderService)(nil)

// ProviderService implements Service using a Twilio SMS client and an SMTP
// email sender.
type ProviderService struct {
	sms       twilio.SMSSender
	email     EmailSender
	responses chan models.InboundMessage
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewProviderService creates a ProviderService. Either sender may be nil;
// sends over a missing channel fail with an error rather than panicking.
func NewProviderService(sms twilio.SMSSender, email EmailSender) *ProviderService {
	return &ProviderService{
		sms:       sms,
		email:     email,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone
// number by stripping all non-numeric characters.
func (s *ProviderService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if recipient != canonical {
		slog.Debug("ProviderService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendSMS sends a text message via the configured SMS sender.
func (s *ProviderService) SendSMS(ctx context.Context, to string, body string) error {
	if s.sms == nil {
		return fmt.Errorf("no SMS sender configured")
	}
	return s.sms.SendSMS(ctx, to, body)
}

// SendEmail sends an email via the configured email sender.
func (s *ProviderService) SendEmail(ctx context.Context, to string, subject string, body string) error {
	if s.email == nil {
		return fmt.Errorf("no email sender configured")
	}
	return s.email.SendEmail(ctx, to, subject, body)
}

// Start is a no-op; inbound messages arrive via the API webhook.
func (s *ProviderService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the responses channel and stops the service.
func (s *ProviderService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.responses)
	}()
	return nil
}

// Responses returns the channel of inbound messages.
func (s *ProviderService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// PushResponse delivers an inbound message to the responses channel. Called
// by the API webhook handler. Messages are dropped, with a warning, if the
// channel is full or the service is stopped.
func (s *ProviderService) PushResponse(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("ProviderService.PushResponse: service stopped, dropping message", "from", msg.From)
		return
	}
	select {
	case s.responses <- msg:
	default:
		slog.Warn("ProviderService.PushResponse: responses channel full, dropping message", "from", msg.From)
	}
}
