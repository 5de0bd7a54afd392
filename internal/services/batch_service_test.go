package services

import (
	"context"
	"testing"
	"time"

	"example.com/ticketing/services/fulfillment/internal/chain"
	"example.com/ticketing/services/fulfillment/internal/metrics"
	"example.com/ticketing/services/fulfillment/internal/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDelegationStore struct {
	mock.Mock
}

func (m *mockDelegationStore) Create(ctx context.Context, req *models.DelegatedAttestationRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockDelegationStore) GetPending(ctx context.Context, eventID uuid.UUID, limit int) ([]models.DelegatedAttestationRequest, error) {
	args := m.Called(ctx, eventID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DelegatedAttestationRequest), args.Error(1)
}

func (m *mockDelegationStore) PendingEventIDs(ctx context.Context) ([]uuid.UUID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

func (m *mockDelegationStore) MarkExecuted(ctx context.Context, ids []uuid.UUID, txHash string) error {
	return m.Called(ctx, ids, txHash).Error(0)
}

func (m *mockDelegationStore) GetExecutedByTxHash(ctx context.Context, txHash string) ([]models.DelegatedAttestationRequest, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DelegatedAttestationRequest), args.Error(1)
}

func (m *mockDelegationStore) StalledBatchHashes(ctx context.Context, olderThan time.Time) ([]string, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockBatchChain struct {
	mock.Mock
}

func (m *mockBatchChain) SubmitDelegatedBatch(ctx context.Context, items []chain.DelegatedItem) (string, error) {
	args := m.Called(ctx, items)
	return args.String(0), args.Error(1)
}

func (m *mockBatchChain) IssuedUIDs(ctx context.Context, txHash string) ([]string, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func newBatchService(t *testing.T, delegationRepo *mockDelegationStore, attRepo *mockAttestationWriter, chainClient *mockBatchChain) *BatchService {
	t.Helper()
	return NewBatchService(delegationRepo, attRepo, chainClient, 100, metrics.NewMetrics(), testTracer(t))
}

func pendingRows(eventID uuid.UUID, n int) []models.DelegatedAttestationRequest {
	rows := make([]models.DelegatedAttestationRequest, n)
	for i := range rows {
		rows[i] = models.DelegatedAttestationRequest{
			ID:        uuid.New(),
			EventID:   eventID,
			SchemaUID: "0xschema",
			Recipient: "0x3333333333333333333333333333333333333333",
			Payload:   []byte("payload"),
			Deadline:  time.Now().Add(time.Hour).Unix(),
			Signature: make([]byte, 65),
		}
	}
	return rows
}

func TestExecuteBatchHappyPath(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 2)

	delegationRepo.On("GetPending", mock.Anything, eventID, 100).Return(rows, nil)
	chainClient.On("SubmitDelegatedBatch", mock.Anything, mock.MatchedBy(func(items []chain.DelegatedItem) bool {
		return len(items) == 2
	})).Return("0xbatch", nil)
	chainClient.On("IssuedUIDs", mock.Anything, "0xbatch").Return([]string{"0xuid1", "0xuid2"}, nil)
	delegationRepo.On("MarkExecuted", mock.Anything, []uuid.UUID{rows[0].ID, rows[1].ID}, "0xbatch").Return(nil)
	attRepo.On("CreateIfAbsent", mock.Anything, mock.MatchedBy(func(r *models.AttestationRecord) bool {
		return r.TxHash == "0xbatch" && (r.UID == "0xuid1" || r.UID == "0xuid2")
	})).Return(nil).Twice()

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	result, err := svc.Execute(context.Background(), eventID)

	require.NoError(t, err)
	require.Equal(t, "0xbatch", result.TxHash)
	require.Equal(t, 2, result.Submitted)
	require.Equal(t, 2, result.Recorded)

	// Identifiers pair with rows by position
	attRepo.AssertExpectations(t)
	delegationRepo.AssertExpectations(t)

	stages := make([]string, 0, len(result.Events))
	for _, e := range result.Events {
		stages = append(stages, e.Stage)
	}
	require.Equal(t, []string{StageQueued, StageSending, StageSubmitted, StageConfirmed, StageParsed, StageDBWritten, StageEnd}, stages)
}

func TestExecuteBatchCountMismatchWritesNothing(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 2)

	delegationRepo.On("GetPending", mock.Anything, eventID, 100).Return(rows, nil)
	chainClient.On("SubmitDelegatedBatch", mock.Anything, mock.Anything).Return("0xbatch", nil)
	chainClient.On("IssuedUIDs", mock.Anything, "0xbatch").Return([]string{"0xonly"}, nil)

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	_, err := svc.Execute(context.Background(), eventID)

	require.Error(t, err)
	require.Contains(t, err.Error(), "refusing to pair by position")
	attRepo.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
	// An unpairable receipt mutates nothing; the rows stay pending
	delegationRepo.AssertNotCalled(t, "MarkExecuted", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteBatchRevertedTransactionLeavesRowsPending(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 2)

	delegationRepo.On("GetPending", mock.Anything, eventID, 100).Return(rows, nil)
	chainClient.On("SubmitDelegatedBatch", mock.Anything, mock.Anything).Return("0xreverted", nil)
	chainClient.On("IssuedUIDs", mock.Anything, "0xreverted").
		Return(nil, errors.New("execution reverted in transaction 0xreverted"))

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	_, err := svc.Execute(context.Background(), eventID)

	require.Error(t, err)
	// A broadcast that never confirms must not consume the delegations:
	// they stay unexecuted and the next run resubmits them
	delegationRepo.AssertNotCalled(t, "MarkExecuted", mock.Anything, mock.Anything, mock.Anything)
	attRepo.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
}

func TestExecuteBatchEmpty(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	delegationRepo.On("GetPending", mock.Anything, eventID, 100).
		Return([]models.DelegatedAttestationRequest{}, nil)

	svc := newBatchService(t, delegationRepo, new(mockAttestationWriter), chainClient)
	result, err := svc.Execute(context.Background(), eventID)

	require.NoError(t, err)
	require.Empty(t, result.TxHash)
	chainClient.AssertNotCalled(t, "SubmitDelegatedBatch", mock.Anything, mock.Anything)
}

func TestExecuteBatchSubmitFailureLeavesRowsPending(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 1)
	delegationRepo.On("GetPending", mock.Anything, eventID, 100).Return(rows, nil)
	chainClient.On("SubmitDelegatedBatch", mock.Anything, mock.Anything).
		Return("", errors.New("nonce too low"))

	svc := newBatchService(t, delegationRepo, new(mockAttestationWriter), chainClient)
	_, err := svc.Execute(context.Background(), eventID)

	require.Error(t, err)
	delegationRepo.AssertNotCalled(t, "MarkExecuted", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecoverStalledCompletesSecondPhase(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 2)
	for i := range rows {
		rows[i].Executed = true
		rows[i].ExecuteTxHash = "0xstalled"
	}

	delegationRepo.On("StalledBatchHashes", mock.Anything, mock.Anything).Return([]string{"0xstalled"}, nil)
	delegationRepo.On("GetExecutedByTxHash", mock.Anything, "0xstalled").Return(rows, nil)
	attRepo.On("CountByTxHash", mock.Anything, "0xstalled").Return(int64(0), nil)
	chainClient.On("IssuedUIDs", mock.Anything, "0xstalled").Return([]string{"0xuid1", "0xuid2"}, nil)
	attRepo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(nil).Twice()

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	require.NoError(t, svc.RecoverStalled(context.Background(), time.Minute))

	attRepo.AssertExpectations(t)
}

func TestRecoverStalledSkipsFullyRecordedHash(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventID := uuid.New()
	rows := pendingRows(eventID, 2)

	delegationRepo.On("StalledBatchHashes", mock.Anything, mock.Anything).Return([]string{"0xdone"}, nil)
	delegationRepo.On("GetExecutedByTxHash", mock.Anything, "0xdone").Return(rows, nil)
	attRepo.On("CountByTxHash", mock.Anything, "0xdone").Return(int64(2), nil)

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	require.NoError(t, svc.RecoverStalled(context.Background(), time.Minute))

	chainClient.AssertNotCalled(t, "IssuedUIDs", mock.Anything, mock.Anything)
	attRepo.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
}

func TestExecutePendingRunsEachScope(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	attRepo := new(mockAttestationWriter)
	chainClient := new(mockBatchChain)

	eventA := uuid.New()
	eventB := uuid.New()
	rows := pendingRows(eventA, 1)

	delegationRepo.On("PendingEventIDs", mock.Anything).Return([]uuid.UUID{eventA, eventB}, nil)
	delegationRepo.On("GetPending", mock.Anything, eventA, 100).Return(rows, nil)
	delegationRepo.On("GetPending", mock.Anything, eventB, 100).
		Return([]models.DelegatedAttestationRequest{}, nil)
	chainClient.On("SubmitDelegatedBatch", mock.Anything, mock.Anything).Return("0xsched", nil).Once()
	chainClient.On("IssuedUIDs", mock.Anything, "0xsched").Return([]string{"0xuid1"}, nil)
	delegationRepo.On("MarkExecuted", mock.Anything, []uuid.UUID{rows[0].ID}, "0xsched").Return(nil)
	attRepo.On("CreateIfAbsent", mock.Anything, mock.Anything).Return(nil).Once()

	svc := newBatchService(t, delegationRepo, attRepo, chainClient)
	require.NoError(t, svc.ExecutePending(context.Background()))

	delegationRepo.AssertExpectations(t)
	chainClient.AssertExpectations(t)
}

func TestBatchRunReplaysPastLastEventID(t *testing.T) {
	run := newBatchRun()
	run.emit(ProgressEvent{Stage: StageQueued})
	run.emit(ProgressEvent{Stage: StageSending})
	run.emit(ProgressEvent{Stage: StageSubmitted, TxHash: "0xbatch"})

	ch := run.subscribe(context.Background(), 2)
	run.close()

	var got []ProgressEvent
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].ID)
	require.Equal(t, StageSubmitted, got[0].Stage)
}

func TestCollectDelegationVerifiesSignature(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	svc := newBatchService(t, delegationRepo, new(mockAttestationWriter), new(mockBatchChain))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	input := CollectDelegationInput{
		EventID:   uuid.New(),
		SchemaUID: "0xschema",
		Recipient: "0x3333333333333333333333333333333333333333",
		Payload:   []byte("payload"),
		Deadline:  time.Now().Add(time.Hour).Unix(),
	}
	digest := chain.DelegationMessageHash(input.SchemaUID, input.Recipient, input.Payload, input.Deadline)
	input.Signature, err = crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	delegationRepo.On("Create", mock.Anything, mock.MatchedBy(func(r *models.DelegatedAttestationRequest) bool {
		return r.EventID == input.EventID && !r.Executed
	})).Return(nil)

	req, err := svc.CollectDelegation(context.Background(), input, signer)
	require.NoError(t, err)
	require.NotNil(t, req)
	delegationRepo.AssertExpectations(t)
}

func TestCollectDelegationRejectsForgedSignature(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	svc := newBatchService(t, delegationRepo, new(mockAttestationWriter), new(mockBatchChain))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	input := CollectDelegationInput{
		EventID:   uuid.New(),
		SchemaUID: "0xschema",
		Recipient: "0x3333333333333333333333333333333333333333",
		Payload:   []byte("payload"),
		Deadline:  time.Now().Add(time.Hour).Unix(),
	}
	digest := chain.DelegationMessageHash(input.SchemaUID, input.Recipient, input.Payload, input.Deadline)
	input.Signature, err = crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	// Claimed delegator differs from the actual signer
	_, err = svc.CollectDelegation(context.Background(), input, "0x4444444444444444444444444444444444444444")
	require.Error(t, err)
	delegationRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCollectDelegationRejectsExpiredDeadline(t *testing.T) {
	delegationRepo := new(mockDelegationStore)
	svc := newBatchService(t, delegationRepo, new(mockAttestationWriter), new(mockBatchChain))

	_, err := svc.CollectDelegation(context.Background(), CollectDelegationInput{
		EventID:   uuid.New(),
		SchemaUID: "0xschema",
		Recipient: "0x3333333333333333333333333333333333333333",
		Deadline:  time.Now().Add(-time.Hour).Unix(),
		Signature: make([]byte, 65),
	}, "0x4444444444444444444444444444444444444444")

	require.Error(t, err)
	require.Contains(t, err.Error(), "deadline")
}
