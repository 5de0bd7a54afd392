package services

import (
	"context"
	"sync"
	"time"

	"example.com/ticketing/services/fulfillment/internal/chain"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/models"
	"example.com/ticketing/services/fulfillment/internal/tracing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// delegationStore is the slice of DelegationRepository the batch flow needs
type delegationStore interface {
	Create(ctx context.Context, req *models.DelegatedAttestationRequest) error
	GetPending(ctx context.Context, eventID uuid.UUID, limit int) ([]models.DelegatedAttestationRequest, error)
	PendingEventIDs(ctx context.Context) ([]uuid.UUID, error)
	MarkExecuted(ctx context.Context, ids []uuid.UUID, txHash string) error
	GetExecutedByTxHash(ctx context.Context, txHash string) ([]models.DelegatedAttestationRequest, error)
	StalledBatchHashes(ctx context.Context, olderThan time.Time) ([]string, error)
}

// attestationStore is the slice of AttestationRepository the batch flow needs:
// the idempotent insert plus the per-hash count used to verify recovery
type attestationStore interface {
	CreateIfAbsent(ctx context.Context, record *models.AttestationRecord) error
	CountByTxHash(ctx context.Context, txHash string) (int64, error)
}

// batchChain is the slice of chain.Client the batch flow needs
type batchChain interface {
	SubmitDelegatedBatch(ctx context.Context, items []chain.DelegatedItem) (txHash string, err error)
	IssuedUIDs(ctx context.Context, txHash string) ([]string, error)
}

// Progress stages for one batch execution, in order
const (
	StageQueued    = "queued"
	StageSending   = "sending"
	StageSubmitted = "submitted"
	StageConfirmed = "confirmed"
	StageParsed    = "parsed"
	StageDBWritten = "db-written"
	StageError     = "error"
	StageEnd       = "end"
)

// ProgressEvent is one streamed update from a running batch. IDs are
// monotonically increasing within a run so a reconnecting client can resume
// from the last id it saw.
type ProgressEvent struct {
	ID      uint64 `json:"id"`
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchResult is the buffered outcome of one batch execution
type BatchResult struct {
	TxHash    string          `json:"tx_hash"`
	Submitted int             `json:"submitted"`
	Recorded  int             `json:"recorded"`
	Events    []ProgressEvent `json:"events"`
}

// BatchService executes collected delegated attestation requests in batches:
// one transaction carries every pending row, and only a confirmed receipt
// mutates the rows. Marking them executed and writing the per-row output
// records are deliberately separate operations; a crash between the two
// leaves a stalled batch that RecoverStalled completes later. A reverted or
// unconfirmed transaction mutates nothing, so the rows stay pending and the
// next run resubmits them.
type BatchService struct {
	delegationRepo  delegationStore
	attestationRepo attestationStore
	chainClient     batchChain
	maxRows         int
	metrics         *metrics.Metrics
	tracer          tracing.Tracer

	mu   sync.Mutex
	runs map[uuid.UUID]*batchRun
}

// NewBatchService creates a new batch service
func NewBatchService(
	delegationRepo delegationStore,
	attestationRepo attestationStore,
	chainClient batchChain,
	maxRows int,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *BatchService {
	if maxRows <= 0 {
		maxRows = 100
	}
	return &BatchService{
		delegationRepo:  delegationRepo,
		attestationRepo: attestationRepo,
		chainClient:     chainClient,
		maxRows:         maxRows,
		metrics:         metricsCollector,
		tracer:          tracer,
		runs:            make(map[uuid.UUID]*batchRun),
	}
}

// CollectDelegationInput carries one signed delegation from a client
type CollectDelegationInput struct {
	EventID   uuid.UUID
	SchemaUID string
	Recipient string
	Payload   []byte
	Deadline  int64
	Signature []byte
}

// CollectDelegation verifies the delegated signature and persists the row for
// later batch execution. Rows are never deleted.
func (s *BatchService) CollectDelegation(ctx context.Context, input CollectDelegationInput, signer string) (*models.DelegatedAttestationRequest, error) {
	if input.Deadline > 0 && input.Deadline < time.Now().Unix() {
		return nil, errors.New("delegation deadline has passed")
	}

	if err := chain.VerifyDelegationSignature(
		input.SchemaUID, input.Recipient, input.Payload, input.Deadline,
		input.Signature, signer,
	); err != nil {
		return nil, errors.Wrap(err, "delegation signature rejected")
	}

	req := &models.DelegatedAttestationRequest{
		ID:        uuid.New(),
		EventID:   input.EventID,
		SchemaUID: input.SchemaUID,
		Recipient: input.Recipient,
		Payload:   input.Payload,
		Deadline:  input.Deadline,
		Signature: input.Signature,
	}
	if err := s.delegationRepo.Create(ctx, req); err != nil {
		return nil, errors.Wrap(err, "failed to store delegation")
	}

	log.Info().
		Str("delegation_id", req.ID.String()).
		Str("event_id", input.EventID.String()).
		Msg("Delegation collected")
	s.metrics.IncrementCounter("delegations.collected")
	return req, nil
}

// Execute runs one batch for an event and returns the buffered outcome once
// it completes
func (s *BatchService) Execute(ctx context.Context, eventID uuid.UUID) (*BatchResult, error) {
	run, started := s.ensureRun(eventID)
	if !started {
		return nil, errors.Errorf("batch for event %s is already running", eventID)
	}

	err := s.execute(ctx, eventID, run)
	s.finishRun(eventID)

	result := &BatchResult{Events: run.snapshot()}
	for _, e := range result.Events {
		switch e.Stage {
		case StageSubmitted:
			result.TxHash = e.TxHash
			result.Submitted = e.Count
		case StageDBWritten:
			result.Recorded = e.Count
		}
	}
	return result, err
}

// ExecutePending runs one batch for every event that has unexecuted
// delegations. The worker schedules it; an event whose batch is already in
// flight is skipped.
func (s *BatchService) ExecutePending(ctx context.Context) error {
	eventIDs, err := s.delegationRepo.PendingEventIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list events with pending delegations")
	}

	for _, eventID := range eventIDs {
		if _, err := s.Execute(ctx, eventID); err != nil {
			log.Error().Err(err).Str("event_id", eventID.String()).Msg("Scheduled batch execution failed")
		}
	}
	return nil
}

// ExecuteStream runs one batch for an event, streaming progress events. When a
// run is already in flight the caller attaches to it instead of starting a
// second one; events with id <= lastEventID are skipped so a reconnect resumes
// where it left off. The returned channel closes when the run ends.
func (s *BatchService) ExecuteStream(ctx context.Context, eventID uuid.UUID, lastEventID uint64) <-chan ProgressEvent {
	run, started := s.ensureRun(eventID)
	ch := run.subscribe(ctx, lastEventID)

	if started {
		go func() {
			if err := s.execute(context.Background(), eventID, run); err != nil {
				log.Error().Err(err).Str("event_id", eventID.String()).Msg("Batch execution failed")
			}
			s.finishRun(eventID)
		}()
	}
	return ch
}

func (s *BatchService) ensureRun(eventID uuid.UUID) (*batchRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[eventID]; ok {
		return run, false
	}
	run := newBatchRun()
	s.runs[eventID] = run
	return run, true
}

func (s *BatchService) finishRun(eventID uuid.UUID) {
	s.mu.Lock()
	run := s.runs[eventID]
	delete(s.runs, eventID)
	s.mu.Unlock()
	if run != nil {
		run.close()
	}
}

// execute drives one batch through its stages, emitting progress into the run
func (s *BatchService) execute(ctx context.Context, eventID uuid.UUID, run *batchRun) error {
	txn := s.tracer.StartTransaction("execute-delegation-batch")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "event_id", eventID.String())

	rows, err := s.delegationRepo.GetPending(ctx, eventID, s.maxRows)
	if err != nil {
		run.emit(ProgressEvent{Stage: StageError, Error: err.Error()})
		return err
	}
	if len(rows) == 0 {
		run.emit(ProgressEvent{Stage: StageEnd, Message: "no pending delegations"})
		return nil
	}
	run.emit(ProgressEvent{Stage: StageQueued, Count: len(rows)})

	items := make([]chain.DelegatedItem, len(rows))
	ids := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		items[i] = chain.DelegatedItem{
			SchemaUID: row.SchemaUID,
			Recipient: row.Recipient,
			Payload:   row.Payload,
			Deadline:  row.Deadline,
			Signature: row.Signature,
		}
		ids[i] = row.ID
	}

	run.emit(ProgressEvent{Stage: StageSending, Count: len(rows)})
	txHash, err := s.chainClient.SubmitDelegatedBatch(ctx, items)
	if err != nil {
		s.tracer.RecordError(txn, err)
		s.metrics.RecordError("batch.submit")
		run.emit(ProgressEvent{Stage: StageError, Error: err.Error()})
		return errors.Wrap(err, "failed to submit delegated batch")
	}
	run.emit(ProgressEvent{Stage: StageSubmitted, TxHash: txHash, Count: len(rows)})

	// Nothing is mutated until the receipt confirms. A reverted or dropped
	// transaction errors out here and the rows stay pending for the next run.
	uids, err := s.chainClient.IssuedUIDs(ctx, txHash)
	if err != nil {
		s.tracer.RecordError(txn, err)
		run.emit(ProgressEvent{Stage: StageError, TxHash: txHash, Error: err.Error()})
		return errors.Wrap(err, "failed to confirm delegated batch")
	}
	run.emit(ProgressEvent{Stage: StageConfirmed, TxHash: txHash, Count: len(rows)})

	if len(uids) != len(rows) {
		err := errors.Errorf(
			"receipt for %s yielded %d identifiers for %d delegations, refusing to pair by position",
			txHash, len(uids), len(rows))
		s.tracer.RecordError(txn, err)
		run.emit(ProgressEvent{Stage: StageError, TxHash: txHash, Error: err.Error()})
		return err
	}
	run.emit(ProgressEvent{Stage: StageParsed, TxHash: txHash, Count: len(uids)})

	// Phase one: mark the rows executed under the confirmed hash. A crash
	// after this write leaves a stalled batch that RecoverStalled completes.
	if err := s.delegationRepo.MarkExecuted(ctx, ids, txHash); err != nil {
		s.tracer.RecordError(txn, err)
		run.emit(ProgressEvent{Stage: StageError, TxHash: txHash, Error: err.Error()})
		return err
	}

	recorded, err := s.recordBatchOutputs(ctx, rows, uids, txHash)
	if err != nil {
		s.tracer.RecordError(txn, err)
		run.emit(ProgressEvent{Stage: StageError, TxHash: txHash, Error: err.Error()})
		return err
	}
	run.emit(ProgressEvent{Stage: StageDBWritten, TxHash: txHash, Count: recorded})
	run.emit(ProgressEvent{Stage: StageEnd, TxHash: txHash})

	log.Info().
		Str("event_id", eventID.String()).
		Str("tx_hash", txHash).
		Int("count", recorded).
		Msg("Delegation batch executed")
	s.metrics.IncrementCounterBy("delegations.executed", int64(recorded))
	s.metrics.RecordSuccess("batch.execute")
	return nil
}

// recordBatchOutputs is phase two: pair rows with issued identifiers by
// position and write the output records. A count mismatch means the receipt
// does not describe the batch that was sent, so nothing is written.
func (s *BatchService) recordBatchOutputs(ctx context.Context, rows []models.DelegatedAttestationRequest, uids []string, txHash string) (int, error) {
	if len(uids) != len(rows) {
		return 0, errors.Errorf(
			"receipt for %s yielded %d identifiers for %d delegations, refusing to pair by position",
			txHash, len(uids), len(rows))
	}

	recorded := 0
	for i, row := range rows {
		record := &models.AttestationRecord{
			ID:           uuid.New(),
			UID:          uids[i],
			SchemaUID:    row.SchemaUID,
			Subject:      row.EventID.String(),
			Recipient:    row.Recipient,
			TxHash:       txHash,
			DelegationID: row.ID,
		}
		if err := s.attestationRepo.CreateIfAbsent(ctx, record); err != nil {
			return recorded, errors.Wrapf(err, "failed to record output %d of batch %s", i, txHash)
		}
		recorded++
	}
	return recorded, nil
}

// RecoverStalled completes batches whose first write landed but whose output
// records never did. It replays receipt parsing for each stalled hash and
// re-runs phase two; the conflict-ignoring inserts make the replay idempotent.
func (s *BatchService) RecoverStalled(ctx context.Context, olderThan time.Duration) error {
	horizon := time.Now().Add(-olderThan)
	hashes, err := s.delegationRepo.StalledBatchHashes(ctx, horizon)
	if err != nil {
		return err
	}

	for _, txHash := range hashes {
		rows, err := s.delegationRepo.GetExecutedByTxHash(ctx, txHash)
		if err != nil {
			log.Error().Err(err).Str("tx_hash", txHash).Msg("Failed to load stalled batch rows")
			continue
		}
		written, err := s.attestationRepo.CountByTxHash(ctx, txHash)
		if err != nil {
			log.Error().Err(err).Str("tx_hash", txHash).Msg("Failed to count stalled batch outputs")
			continue
		}
		if written >= int64(len(rows)) {
			// Every output already landed; nothing to replay
			continue
		}
		uids, err := s.chainClient.IssuedUIDs(ctx, txHash)
		if err != nil {
			log.Error().Err(err).Str("tx_hash", txHash).Msg("Failed to replay stalled batch receipt")
			continue
		}
		recorded, err := s.recordBatchOutputs(ctx, rows, uids, txHash)
		if err != nil {
			log.Error().Err(err).Str("tx_hash", txHash).Msg("Failed to complete stalled batch")
			continue
		}
		log.Info().
			Str("tx_hash", txHash).
			Int("count", recorded).
			Msg("Stalled batch completed")
		s.metrics.IncrementCounter("batches.recovered")
	}
	return nil
}

// batchRun buffers the progress events of one in-flight batch and fans them
// out to any number of subscribers
type batchRun struct {
	mu     sync.Mutex
	events []ProgressEvent
	subs   map[chan ProgressEvent]struct{}
	done   bool
}

func newBatchRun() *batchRun {
	return &batchRun{subs: make(map[chan ProgressEvent]struct{})}
}

// emit assigns the next id, buffers the event for late subscribers and fans it
// out. A subscriber that cannot keep up loses the event; the buffered replay
// on reconnect fills the gap.
func (r *batchRun) emit(e ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = uint64(len(r.events) + 1)
	r.events = append(r.events, e)
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// subscribe replays buffered events past lastEventID and registers for the
// rest. The channel closes when the run ends or ctx is cancelled.
func (r *batchRun) subscribe(ctx context.Context, lastEventID uint64) <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 64)

	r.mu.Lock()
	for _, e := range r.events {
		if e.ID > lastEventID {
			ch <- e
		}
	}
	if r.done {
		r.mu.Unlock()
		close(ch)
		return ch
	}
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			r.mu.Lock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
			r.mu.Unlock()
		}()
	}
	return ch
}

func (r *batchRun) snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *batchRun) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
}
