// Package api provides the HTTP surface of the CareFlow automation engine.
//
// It exposes endpoints for firing triggers from the portal's mutation path,
// manual sequence enrollment and cancellation, the action-item digest, the
// execution log, and the inbound SMS webhook. Trigger endpoints respond
// immediately; rule dispatch happens in the background.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/caregrid/careflow/internal/engine"
	"github.com/caregrid/careflow/internal/messaging"
	"github.com/caregrid/careflow/internal/models"
	"github.com/caregrid/careflow/internal/sequence"
	"github.com/caregrid/careflow/internal/store"
)

// DefaultAddr is the listen address used when no override is provided.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server.
const DefaultShutdownTimeout = 10 * time.Second

// InboundSink receives inbound messages parsed from the webhook. Implemented
// by messaging.ProviderService.
type InboundSink interface {
	PushResponse(msg models.InboundMessage)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr      string
	ScorerCfg *engine.ScorerConfig
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithScorerConfig overrides the action-item scorer thresholds.
func WithScorerConfig(cfg engine.ScorerConfig) Option {
	return func(o *Opts) { o.ScorerCfg = &cfg }
}

// Server hosts the CareFlow HTTP API.
type Server struct {
	st         store.Store
	engine     *engine.Engine
	manager    *sequence.Manager
	msgService messaging.Service
	inbound    InboundSink
	scorerCfg  engine.ScorerConfig
	addr       string
	httpServer *http.Server
	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewServer creates the API server.
func NewServer(st store.Store, eng *engine.Engine, manager *sequence.Manager, msgService messaging.Service, inbound InboundSink, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	scorerCfg := engine.DefaultScorerConfig()
	if cfg.ScorerCfg != nil {
		scorerCfg = *cfg.ScorerCfg
	}
	return &Server{
		st:         st,
		engine:     eng,
		manager:    manager,
		msgService: msgService,
		inbound:    inbound,
		scorerCfg:  scorerCfg,
		addr:       cfg.Addr,
		now:        time.Now,
	}
}

// SetClock overrides the server's clock (tests only).
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler returns the server's route multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/triggers", s.triggersHandler)
	mux.HandleFunc("/api/v1/sequences/", s.sequencesHandler)
	mux.HandleFunc("/api/v1/enrollments/", s.enrollmentsHandler)
	mux.HandleFunc("/api/v1/action-items", s.actionItemsHandler)
	mux.HandleFunc("/api/v1/log", s.logHandler)
	mux.HandleFunc("/api/v1/inbound", s.inboundHandler)
	return mux
}

// Run starts the inbound-response consumer and the HTTP server, blocking
// until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.consumeResponses(ctx)

	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("CareFlow API listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown failed", "error", err)
			return err
		}
		slog.Info("CareFlow API stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// consumeResponses routes inbound messages from the messaging service to
// the inbound_message trigger. The sender is matched to an entity by
// canonicalized phone number; unmatched messages are dropped with a log.
func (s *Server) consumeResponses(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.msgService.Responses():
			if !ok {
				return
			}
			entity, err := s.entityByPhone(msg.From)
			if err != nil {
				slog.Error("Server.consumeResponses: entity lookup failed", "from", msg.From, "error", err)
				continue
			}
			if entity == nil {
				slog.Warn("Server.consumeResponses: no entity matches sender, dropping", "from", msg.From)
				continue
			}
			slog.Debug("Server.consumeResponses: routing inbound message", "entityID", entity.ID)
			s.engine.FireAsync(ctx, models.TriggerInboundMessage, entity, models.TriggerContext{MessageText: msg.Body})
		}
	}
}

// entityByPhone finds the entity whose canonicalized phone matches the
// canonicalized sender.
func (s *Server) entityByPhone(from string) (*models.Entity, error) {
	canonical, err := s.msgService.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		return nil, nil
	}
	entities, err := s.st.ListEntities()
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if e == nil || e.Phone == "" {
			continue
		}
		c, err := s.msgService.ValidateAndCanonicalizeRecipient(e.Phone)
		if err != nil {
			continue
		}
		if c == canonical {
			return e, nil
		}
	}
	return nil, nil
}
