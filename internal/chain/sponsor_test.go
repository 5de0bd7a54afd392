package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"example.com/ticketing/services/fulfillment/config"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSponsorExecuteRelaySuccess(t *testing.T) {
	var relayCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&relayCalls, 1)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"address":"0xabc","txHash":"0x123"}`))
	}))
	defer server.Close()

	executor := NewSponsorExecutor(config.RelayConfig{URL: server.URL, APIKey: "test-key"})

	fallbackRan := false
	result, err := executor.Execute(context.Background(), "deploy-event", func(ctx context.Context) (string, string, error) {
		fallbackRan = true
		return "", "", nil
	}, true)

	require.NoError(t, err)
	require.False(t, fallbackRan)
	require.Equal(t, int32(1), atomic.LoadInt32(&relayCalls))
	require.Equal(t, Result{Success: true, Address: "0xabc", TxHash: "0x123"}, result)
}

func TestSponsorExecuteFallsBackOnRelayRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"relayer out of funds"}`))
	}))
	defer server.Close()

	executor := NewSponsorExecutor(config.RelayConfig{URL: server.URL})

	result, err := executor.Execute(context.Background(), "deploy-event", func(ctx context.Context) (string, string, error) {
		return "0xdef", "0x456", nil
	}, true)

	require.NoError(t, err)
	require.Equal(t, Result{Success: true, Address: "0xdef", TxHash: "0x456"}, result)
}

func TestSponsorExecuteFallsBackOnTransportError(t *testing.T) {
	// A closed server forces a transport failure
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	executor := NewSponsorExecutor(config.RelayConfig{URL: server.URL, Timeout: time.Second})

	result, err := executor.Execute(context.Background(), "mint", func(ctx context.Context) (string, string, error) {
		return "0xdef", "0x789", nil
	}, true)

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "0x789", result.TxHash)
}

func TestSponsorExecuteDisabledSkipsRelay(t *testing.T) {
	var relayCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&relayCalls, 1)
	}))
	defer server.Close()

	executor := NewSponsorExecutor(config.RelayConfig{URL: server.URL})

	result, err := executor.Execute(context.Background(), "mint", func(ctx context.Context) (string, string, error) {
		return "0xdef", "0xaaa", nil
	}, false)

	require.NoError(t, err)
	require.Zero(t, atomic.LoadInt32(&relayCalls), "kill switch must skip the relay entirely")
	require.True(t, result.Success)
}

func TestSponsorExecuteNormalizesFallbackFailure(t *testing.T) {
	executor := NewSponsorExecutor(config.RelayConfig{})

	result, err := executor.Execute(context.Background(), "mint", func(ctx context.Context) (string, string, error) {
		return "", "", errors.New("user rejected the request")
	}, false)

	require.Error(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Err, "user rejected")
}
