package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/ticketing/services/fulfillment/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Result is the canonical outcome of an execution, whichever path produced it
type Result struct {
	Success bool   `json:"success"`
	Address string `json:"address,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	Err     string `json:"error,omitempty"`
}

// FallbackAction performs the direct-signing path when the relay is
// unavailable. Implementations run through the retry primitive or the stepper.
type FallbackAction func(ctx context.Context) (address string, txHash string, err error)

// relayRequest is the payload sent to the sponsored-execution relay
type relayRequest struct {
	Action string `json:"action"`
}

// relayResponse is the relay's wire shape, distinct from the direct path's
type relayResponse struct {
	OK      bool   `json:"ok"`
	Address string `json:"address"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error"`
}

// SponsorExecutor tries a relayed, gas-sponsored call first and falls back to
// direct signing on any relay failure. Both response shapes normalize into
// one Result.
type SponsorExecutor struct {
	cfg    config.RelayConfig
	client *http.Client
}

// NewSponsorExecutor builds an executor against the configured relay
func NewSponsorExecutor(cfg config.RelayConfig) *SponsorExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SponsorExecutor{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Execute runs the named action. When enabled is false the relay is skipped
// entirely and only the fallback runs; enabled=false is the kill switch.
func (e *SponsorExecutor) Execute(ctx context.Context, name string, fallback FallbackAction, enabled bool) (Result, error) {
	if enabled && e.cfg.URL != "" {
		result, err := e.relay(ctx, name)
		if err == nil {
			return result, nil
		}
		log.Warn().
			Err(err).
			Str("action", name).
			Msg("Relay execution failed, falling back to direct signing")
	}

	address, txHash, err := fallback(ctx)
	if err != nil {
		return Result{Success: false, Err: err.Error()}, errors.Wrapf(err, "direct execution of %s failed", name)
	}
	return Result{Success: true, Address: address, TxHash: txHash}, nil
}

// relay posts the action to the relay endpoint. Any transport error, non-2xx
// status or ok=false response is a relay failure.
func (e *SponsorExecutor) relay(ctx context.Context, name string) (Result, error) {
	body, err := json.Marshal(relayRequest{Action: name})
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to marshal relay request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to build relay request")
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "relay request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, errors.Errorf("relay returned status %d", resp.StatusCode)
	}

	var relayResp relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&relayResp); err != nil {
		return Result{}, errors.Wrap(err, "failed to decode relay response")
	}
	if !relayResp.OK {
		return Result{}, errors.Errorf("relay rejected action: %s", relayResp.Error)
	}

	return Result{
		Success: true,
		Address: relayResp.Address,
		TxHash:  relayResp.TxHash,
	}, nil
}
