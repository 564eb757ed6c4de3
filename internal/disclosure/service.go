package disclosure

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/veridegree/veridegree/internal/audit"
	"github.com/veridegree/veridegree/internal/ledger"
	"github.com/veridegree/veridegree/internal/registry"
	"github.com/veridegree/veridegree/internal/vault"
)

// Config contains configuration for the disclosure service.
type Config struct {
	// ProverTimeout bounds one proof generation. A timeout is a failure.
	ProverTimeout time.Duration

	// VerifierTimeout bounds one verification, including artifact loading.
	VerifierTimeout time.Duration

	// Policy holds the contextual acceptance rules.
	Policy Policy
}

// DefaultConfig returns a Config with sensible defaults.
//
// Default behavior:
//   - 60 second proving budget
//   - 10 second verification budget
//   - no bundle expiry, 5 minutes of clock skew
func DefaultConfig() Config {
	return Config{
		ProverTimeout:   60 * time.Second,
		VerifierTimeout: 10 * time.Second,
		Policy:          DefaultPolicy(),
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.ProverTimeout <= 0 {
		return fmt.Errorf("disclosure: prover timeout must be positive")
	}
	if c.VerifierTimeout <= 0 {
		return fmt.Errorf("disclosure: verifier timeout must be positive")
	}
	return c.Policy.Validate()
}

// Service generates and verifies disclosure bundles.
//
// Service is safe for concurrent use. It holds no per-request state; the only
// shared data are the immutable artifacts behind the registry and atomic
// counters.
type Service struct {
	config    Config
	registry  registry.Registry
	ledger    ledger.Ledger
	vault     vault.Store
	publisher audit.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// Metrics tracked atomically
	generated      atomic.Uint64
	generateFailed atomic.Uint64
	accepted       atomic.Uint64
	rejected       atomic.Uint64
}

// Option configures a Service.
type Option func(*Service)

// WithLedger sets the credential ledger used for issuer lookup.
func WithLedger(l ledger.Ledger) Option { return func(s *Service) { s.ledger = l } }

// WithVault sets the private metadata store used by Generate.
func WithVault(v vault.Store) Option { return func(s *Service) { s.vault = v } }

// WithPublisher sets the audit publisher.
func WithPublisher(p audit.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service resolving circuits through reg.
func NewService(config Config, reg registry.Registry, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("disclosure: registry is required")
	}
	s := &Service{
		config:    config,
		registry:  reg,
		publisher: audit.Noop{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns a copy of the service configuration.
func (s *Service) Config() Config {
	return s.config
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Generated      uint64
	GenerateFailed uint64
	Accepted       uint64
	Rejected       uint64
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Generated:      s.generated.Load(),
		GenerateFailed: s.generateFailed.Load(),
		Accepted:       s.accepted.Load(),
		Rejected:       s.rejected.Load(),
	}
}

func (s *Service) publish(ctx context.Context, e audit.Event) {
	// audit delivery must not hold up or change the caller's result
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("audit publish failed", "kind", e.Kind, "event", e.ID, "error", err)
	}
}
