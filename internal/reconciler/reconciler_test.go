package reconciler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		PollInterval:      time.Millisecond,
		PollMaxAttempts:   30,
		WatchInterval:     time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		WatchBudget:       time.Second,
	}
}

// scriptedReader serves snapshots per read attempt
type scriptedReader struct {
	mu    sync.Mutex
	reads int
	fn    func(read int) (*Snapshot, error)
}

func (r *scriptedReader) ReadOrder(ctx context.Context, reference string) (*Snapshot, error) {
	r.mu.Lock()
	r.reads++
	read := r.reads
	r.mu.Unlock()
	return r.fn(read)
}

func resolvedSnapshot(reference string) *Snapshot {
	return &Snapshot{
		Reference: reference,
		Status:    models.OrderStatusPaid,
		Issued:    true,
		TxHash:    "0xabc",
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond)
}

func TestPollSuccessFiresCallbackOnce(t *testing.T) {
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		if read < 3 {
			return nil, nil // not found yet
		}
		return resolvedSnapshot("ord-1"), nil
	}}

	var fired int32
	r := New(reader, fastConfig())
	session := r.Track("ord-1", Callbacks{
		OnSuccess: func(snap Snapshot) { atomic.AddInt32(&fired, 1) },
		OnTimeout: func() { t.Error("timeout must not fire on success") },
		OnError:   func(err error) { t.Errorf("error must not fire on success: %v", err) },
	})

	waitForState(t, session, StateSuccess)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestSuccessFiresOnceAcrossBothChannels(t *testing.T) {
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		return resolvedSnapshot("ord-2"), nil
	}}

	var fired int32
	r := New(reader, fastConfig())
	session := r.Track("ord-2", Callbacks{
		OnSuccess: func(snap Snapshot) { atomic.AddInt32(&fired, 1) },
	})

	// Attach the push channel while the poller runs; both observe success
	events := session.Watch(context.Background(), time.Second, 0)
	for range events {
	}

	waitForState(t, session, StateSuccess)
	// Give any late poller tick a chance to double-fire
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestPollBudgetExhaustionIsTimeoutNotError(t *testing.T) {
	// 30 consecutive "not found" responses exhaust the attempt budget
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		return nil, nil
	}}

	var successFired, errorFired, timeoutFired int32
	r := New(reader, fastConfig())
	session := r.Track("ord-3", Callbacks{
		OnSuccess: func(snap Snapshot) { atomic.AddInt32(&successFired, 1) },
		OnError:   func(err error) { atomic.AddInt32(&errorFired, 1) },
		OnTimeout: func() { atomic.AddInt32(&timeoutFired, 1) },
	})

	waitForState(t, session, StateTimeout)
	require.Equal(t, int32(0), atomic.LoadInt32(&successFired), "success callback must never fire")
	require.Equal(t, int32(0), atomic.LoadInt32(&errorFired), "timeout is distinct from error")
	require.Equal(t, int32(1), atomic.LoadInt32(&timeoutFired))

	reader.mu.Lock()
	defer reader.mu.Unlock()
	require.Equal(t, 30, reader.reads)
}

func TestPollReadExceptionIsError(t *testing.T) {
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		return nil, errors.New("connection reset by peer")
	}}

	var errorFired int32
	r := New(reader, fastConfig())
	session := r.Track("ord-4", Callbacks{
		OnError:   func(err error) { atomic.AddInt32(&errorFired, 1) },
		OnTimeout: func() { t.Error("error must not degrade into timeout") },
	})

	waitForState(t, session, StateError)
	require.Equal(t, int32(1), atomic.LoadInt32(&errorFired))
}

func TestStaleSessionCallbackDiscarded(t *testing.T) {
	release := make(chan struct{})
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		if read == 1 {
			// First session's read blocks until after it is superseded
			<-release
			return resolvedSnapshot("ord-old"), nil
		}
		return nil, nil
	}}

	var oldFired int32
	r := New(reader, fastConfig())
	r.Track("ord-old", Callbacks{
		OnSuccess: func(snap Snapshot) { atomic.AddInt32(&oldFired, 1) },
	})

	// Supersede before the first session's in-flight read returns
	newSession := r.Track("ord-new", Callbacks{})
	close(release)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&oldFired), "stale session must not fire for the new session's state")
	require.Equal(t, StateProcessing, newSession.State())
	r.Cancel()
}

func TestCancelIsIdempotent(t *testing.T) {
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) { return nil, nil }}
	r := New(reader, fastConfig())
	r.Track("ord-5", Callbacks{})

	r.Cancel()
	r.Cancel()
}

func TestCancelDuringInFlightReadFiresNoCallback(t *testing.T) {
	started := make(chan struct{})
	reader := OrderReaderFunc(func(ctx context.Context, reference string) (*Snapshot, error) {
		select {
		case <-started:
		default:
			close(started)
		}
		// Block until cancellation and surface the context error, the way a
		// database read aborted mid-flight does
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var errorFired, timeoutFired int32
	r := New(reader, fastConfig())
	session := r.Track("ord-8", Callbacks{
		OnError:   func(err error) { atomic.AddInt32(&errorFired, 1) },
		OnTimeout: func() { atomic.AddInt32(&timeoutFired, 1) },
	})

	<-started
	r.Cancel()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&errorFired), "cancellation is teardown, not an error")
	require.Equal(t, int32(0), atomic.LoadInt32(&timeoutFired))
	require.Equal(t, StateProcessing, session.State(), "cancellation must not move the session to a terminal state")
}

func TestWatchDiffThenEmit(t *testing.T) {
	pending := &Snapshot{Reference: "ord-6", Status: models.OrderStatusPending}
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		if read < 4 {
			return pending, nil // identical payloads must not re-emit
		}
		return resolvedSnapshot("ord-6"), nil
	}}

	// A huge poll interval keeps the poll channel to its single initial read,
	// so the watch loop drives the remaining script
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	r := New(reader, cfg)
	session := r.Track("ord-6", Callbacks{})

	var statusEvents, endEvents int
	var lastID uint64
	for ev := range session.Watch(context.Background(), time.Second, 5) {
		require.Greater(t, ev.ID, lastID, "event ids must increase monotonically")
		require.Greater(t, ev.ID, uint64(5), "resumed stream continues past the last seen id")
		lastID = ev.ID
		switch ev.Kind {
		case KindStatus:
			statusEvents++
		case KindEnd:
			endEvents++
		}
	}

	require.Equal(t, 2, statusEvents, "one emit per distinct payload")
	require.Equal(t, 1, endEvents)
	waitForState(t, session, StateSuccess)
	r.Cancel()
}

func TestWatchBudgetElapsesToTimeout(t *testing.T) {
	reader := &scriptedReader{fn: func(read int) (*Snapshot, error) {
		return nil, nil
	}}

	cfg := fastConfig()
	cfg.PollMaxAttempts = 100000 // keep the poller out of the way
	cfg.WatchInterval = time.Millisecond
	r := New(reader, cfg)
	session := r.Track("ord-7", Callbacks{})

	sawEnd := false
	for ev := range session.Watch(context.Background(), 30*time.Millisecond, 0) {
		if ev.Kind == KindEnd {
			sawEnd = true
		}
	}
	require.True(t, sawEnd)
	waitForState(t, session, StateTimeout)
	r.Cancel()
}
