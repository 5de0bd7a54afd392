// Package reconciler converges a persisted fulfillment order across two
// independent delivery channels: a push watcher that re-reads the order and
// emits only on change, and a poller bounded by an attempt budget. Both feed
// one session state machine with at-most-once success semantics.
package reconciler

import (
	"context"
	"sync"
	"time"

	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Snapshot is the observable payload of one order read
type Snapshot struct {
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	Issued         bool   `json:"issued"`
	TxHash         string `json:"tx_hash,omitempty"`
	AttestationUID string `json:"attestation_uid,omitempty"`
}

// Resolved reports whether the snapshot shows a confirmed issuance: paid or
// beyond, with either a transaction hash or an attestation identifier present
func (s *Snapshot) Resolved() bool {
	if s == nil {
		return false
	}
	if s.Status != models.OrderStatusPaid && s.Status != models.OrderStatusFulfilled {
		return false
	}
	return s.TxHash != "" || s.AttestationUID != ""
}

// OrderReader reads the current order snapshot. A nil snapshot with a nil
// error means the record does not exist yet, which is a pending wait state,
// not an error.
type OrderReader interface {
	ReadOrder(ctx context.Context, reference string) (*Snapshot, error)
}

// OrderReaderFunc adapts a function to OrderReader
type OrderReaderFunc func(ctx context.Context, reference string) (*Snapshot, error)

// ReadOrder implements OrderReader
func (f OrderReaderFunc) ReadOrder(ctx context.Context, reference string) (*Snapshot, error) {
	return f(ctx, reference)
}

// State is the session lifecycle: processing, then exactly one terminal state
type State string

const (
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
	StateTimeout    State = "timeout"
)

// Callbacks are the caller-supplied continuations. OnSuccess fires at most
// once per session.
type Callbacks struct {
	OnSuccess func(Snapshot)
	OnError   func(error)
	OnTimeout func()
}

// Config bounds both channels. Nothing in the reconciler runs unbounded.
type Config struct {
	PollInterval      time.Duration
	PollMaxAttempts   int
	WatchInterval     time.Duration
	HeartbeatInterval time.Duration
	WatchBudget       time.Duration
}

// DefaultConfig mirrors the service defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		PollMaxAttempts:   30,
		WatchInterval:     2 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		WatchBudget:       5 * time.Minute,
	}
}

// Reconciler tracks one reference at a time per instance. Starting a new
// session supersedes the previous one: its token goes stale and any of its
// in-flight continuations are discarded before they can touch shared state.
type Reconciler struct {
	mu      sync.Mutex
	reader  OrderReader
	cfg     Config
	token   uint64
	session *Session
}

// New creates a reconciler over the given order reader
func New(reader OrderReader, cfg Config) *Reconciler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = cfg.PollInterval
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 30
	}
	return &Reconciler{reader: reader, cfg: cfg}
}

// Session is one monitored lifecycle for a single reference
type Session struct {
	reconciler *Reconciler
	token      uint64
	reference  string
	callbacks  Callbacks

	mu     sync.Mutex
	state  State
	fired  bool
	cancel context.CancelFunc
	ctx    context.Context
}

// Track starts a new session for reference, cancelling any prior session.
// The poll channel starts immediately; Watch attaches the push channel.
func (r *Reconciler) Track(reference string, cb Callbacks) *Session {
	r.mu.Lock()
	if r.session != nil {
		r.session.cancelLocked()
	}
	r.token++
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		reconciler: r,
		token:      r.token,
		reference:  reference,
		callbacks:  cb,
		state:      StateProcessing,
		cancel:     cancel,
		ctx:        ctx,
	}
	r.session = session
	r.mu.Unlock()

	go session.poll()
	return session
}

// Cancel stops the current session. Idempotent. The token bump makes every
// in-flight continuation of the cancelled session stale, so teardown never
// surfaces as an error or fires a callback.
func (r *Reconciler) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		r.session.cancelLocked()
		r.session = nil
		r.token++
	}
}

// currentToken reads the live token for stale-continuation checks
func (r *Reconciler) currentToken() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// State returns the session's current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reference returns the tracked reference
func (s *Session) Reference() string {
	return s.reference
}

func (s *Session) cancelLocked() {
	s.cancel()
}

// stale reports whether this session has been superseded. Every continuation
// compares its captured token against the current one before mutating state.
func (s *Session) stale() bool {
	return s.token != s.reconciler.currentToken()
}

// succeed transitions to success and fires the callback at most once,
// regardless of which channel observed the resolution or how many times
func (s *Session) succeed(snap Snapshot) {
	if s.stale() {
		log.Debug().Str("reference", s.reference).Msg("Discarding success from superseded session")
		return
	}

	s.mu.Lock()
	if s.state != StateProcessing || s.fired {
		s.mu.Unlock()
		return
	}
	s.state = StateSuccess
	s.fired = true
	cb := s.callbacks.OnSuccess
	s.mu.Unlock()

	log.Info().
		Str("reference", s.reference).
		Str("status", snap.Status).
		Msg("Fulfillment resolved")
	if cb != nil {
		cb(snap)
	}
}

// fail transitions to error. Reserved for exceptions during the read itself.
func (s *Session) fail(err error) {
	if s.stale() {
		return
	}

	s.mu.Lock()
	if s.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	cb := s.callbacks.OnError
	s.mu.Unlock()

	log.Error().Err(err).Str("reference", s.reference).Msg("Reconciliation read failed")
	if cb != nil {
		cb(err)
	}
}

// expire transitions to timeout: the bounded budget elapsed without
// resolution. Distinct from error.
func (s *Session) expire() {
	if s.stale() {
		return
	}

	s.mu.Lock()
	if s.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	s.state = StateTimeout
	cb := s.callbacks.OnTimeout
	s.mu.Unlock()

	log.Warn().Str("reference", s.reference).Msg("Reconciliation budget exhausted")
	if cb != nil {
		cb()
	}
}

// poll is the client-timed channel: a bounded number of reads at a fixed
// interval. "Not found yet" waits; a read exception is terminal error;
// exhausting the budget is terminal timeout.
func (s *Session) poll() {
	cfg := s.reconciler.cfg
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= cfg.PollMaxAttempts; attempt++ {
		snap, err := s.reconciler.reader.ReadOrder(s.ctx, s.reference)
		if s.ctx.Err() != nil || s.stale() || s.State() != StateProcessing {
			// Cancelled or superseded mid-read; tear down silently
			return
		}
		if err != nil {
			s.fail(errors.Wrap(err, "order read failed"))
			return
		}
		if snap.Resolved() {
			s.succeed(*snap)
			return
		}
		// nil snapshot or unresolved status: pending, keep waiting

		if attempt == cfg.PollMaxAttempts {
			break
		}
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}
	s.expire()
}
