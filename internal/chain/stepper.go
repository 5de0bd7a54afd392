package chain

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StepStatus is the lifecycle of one step
type StepStatus string

const (
	StepIdle      StepStatus = "idle"
	StepExecuting StepStatus = "executing"
	StepSuccess   StepStatus = "success"
	StepError     StepStatus = "error"
)

// StepAction performs one on-chain action and returns the transaction hash,
// if any. Actions must tolerate re-invocation for the same logical step:
// a retry resubmits the same action, so actions check on-chain state before
// writing.
type StepAction func(ctx context.Context) (txHash string, err error)

// Step is one named entry in an ordered on-chain flow
type Step struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	TxHash      string     `json:"tx_hash,omitempty"`
	action      StepAction
}

// NewStep builds one idle step around its action
func NewStep(id, label string, action StepAction) Step {
	return Step{
		ID:     id,
		Label:  label,
		Status: StepIdle,
		action: action,
	}
}

// Stepper runs an ordered list of on-chain actions as an explicit per-step
// state machine. It never auto-advances and never auto-retries: the caller
// decides whether to re-invoke an errored step or abort. One Stepper owns its
// steps for the duration of one flow.
type Stepper struct {
	mu      sync.Mutex
	steps   []Step
	current int
}

// NewStepper builds a stepper over the given steps, all idle
func NewStepper(steps []Step) *Stepper {
	for i := range steps {
		steps[i].Status = StepIdle
	}
	return &Stepper{steps: steps}
}

// Steps returns a snapshot of the current step states
func (s *Stepper) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Current returns the index of the step the flow is positioned on
func (s *Stepper) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ExecuteStep runs step i. The step moves to executing with any prior error
// cleared, then to success (recording the returned hash) or error (recording
// the message). An errored step stays at the current index; re-invoking it
// re-runs the action.
func (s *Stepper) ExecuteStep(ctx context.Context, i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.steps) {
		s.mu.Unlock()
		return errors.Errorf("step index %d out of range", i)
	}
	if s.steps[i].Status == StepSuccess {
		// Success is terminal per step
		s.mu.Unlock()
		return nil
	}
	if s.steps[i].Status == StepExecuting {
		s.mu.Unlock()
		return errors.Errorf("step %s is already executing", s.steps[i].ID)
	}
	s.steps[i].Status = StepExecuting
	s.steps[i].Error = ""
	s.current = i
	action := s.steps[i].action
	stepID := s.steps[i].ID
	s.mu.Unlock()

	txHash, err := action(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.steps[i].Status = StepError
		s.steps[i].Error = err.Error()
		log.Warn().
			Str("step", stepID).
			Err(err).
			Msg("Step failed, awaiting caller retry or abort")
		return err
	}

	s.steps[i].Status = StepSuccess
	s.steps[i].TxHash = txHash
	if i+1 < len(s.steps) {
		s.current = i + 1
	}
	log.Info().
		Str("step", stepID).
		Str("tx_hash", txHash).
		Msg("Step completed")
	return nil
}

// Run executes the remaining steps in order, stopping at the first failure.
// It is a convenience for server-side flows where there is no interactive
// caller to drive per-step retries.
func (s *Stepper) Run(ctx context.Context) error {
	for i := range s.Steps() {
		if s.Steps()[i].Status == StepSuccess {
			continue
		}
		if err := s.ExecuteStep(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Completed reports whether every step has succeeded
func (s *Stepper) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps {
		if step.Status != StepSuccess {
			return false
		}
	}
	return true
}

// Reset returns all steps to idle and clears progress
func (s *Stepper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.steps {
		s.steps[i].Status = StepIdle
		s.steps[i].Error = ""
		s.steps[i].TxHash = ""
	}
	s.current = 0
}
