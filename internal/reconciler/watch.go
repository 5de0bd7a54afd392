package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventKind classifies stream events
type EventKind string

const (
	KindStats    EventKind = "stats"
	KindStatus   EventKind = "status"
	KindExecuted EventKind = "executed"
	KindError    EventKind = "error"
	KindEnd      EventKind = "end"
)

// Event is one discrete stream event with a monotonically increasing id
type Event struct {
	ID   uint64          `json:"id"`
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// watchStats is the payload of periodic stats heartbeats
type watchStats struct {
	Reference string `json:"reference"`
	Reads     int    `json:"reads"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Watch is the push channel: a long-lived producer that re-reads the order on
// a fixed interval but emits a status event only when the observable payload
// differs from the last one emitted. Periodic stats events keep the
// connection alive. The stream terminates on a terminal state or once budget
// elapses; the returned channel is closed after the end event.
//
// lastEventID resumes id numbering after a reconnect; the first emitted event
// carries lastEventID+1 and a fresh status snapshot follows immediately.
func (s *Session) Watch(ctx context.Context, budget time.Duration, lastEventID uint64) <-chan Event {
	cfg := s.reconciler.cfg
	if budget <= 0 {
		budget = cfg.WatchBudget
	}

	out := make(chan Event, 16)
	go s.watch(ctx, budget, lastEventID, out)
	return out
}

func (s *Session) watch(ctx context.Context, budget time.Duration, nextID uint64, out chan<- Event) {
	defer close(out)

	cfg := s.reconciler.cfg
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(cfg.WatchInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval(cfg))
	defer heartbeat.Stop()

	emit := func(kind EventKind, payload interface{}) bool {
		nextID++
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		select {
		case out <- Event{ID: nextID, Kind: kind, Data: data}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	started := time.Now()
	reads := 0
	var lastEmitted *Snapshot
	executedSeen := false

	for {
		if s.stale() {
			return
		}

		snap, err := s.reconciler.reader.ReadOrder(ctx, s.reference)
		reads++
		if err != nil {
			// The watcher's own context expiring is the budget, not a read error
			if ctx.Err() == nil {
				s.fail(errors.Wrap(err, "order read failed"))
				emit(KindError, map[string]string{"error": err.Error()})
				emit(KindEnd, map[string]string{"state": string(StateError)})
				return
			}
		}

		// Diff-then-emit: only a changed observable payload produces an event
		if snap != nil && (lastEmitted == nil || *snap != *lastEmitted) {
			if !emit(KindStatus, snap) {
				return
			}
			copied := *snap
			lastEmitted = &copied
		}

		if snap != nil && snap.Issued && !executedSeen {
			executedSeen = true
			if !emit(KindExecuted, snap) {
				return
			}
		}

		if snap.Resolved() {
			s.succeed(*snap)
			emit(KindEnd, map[string]string{"state": string(StateSuccess)})
			return
		}
		if state := s.State(); state != StateProcessing {
			emit(KindEnd, map[string]string{"state": string(state)})
			return
		}

		select {
		case <-ticker.C:
		case <-heartbeat.C:
			if !emit(KindStats, watchStats{
				Reference: s.reference,
				Reads:     reads,
				ElapsedMs: time.Since(started).Milliseconds(),
			}) {
				return
			}
		case <-ctx.Done():
			// Time budget elapsed without resolution
			s.expire()
			nextID++
			data, _ := json.Marshal(map[string]string{"state": string(StateTimeout)})
			select {
			case out <- Event{ID: nextID, Kind: KindEnd, Data: data}:
			default:
			}
			return
		}
	}
}

func heartbeatInterval(cfg Config) time.Duration {
	if cfg.HeartbeatInterval > 0 {
		return cfg.HeartbeatInterval
	}
	return 15 * time.Second
}
