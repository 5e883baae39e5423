package orchestrator

import (
	"errors"
	"fmt"
)

// Phase is the orchestrator's externally visible state.
type Phase string

// Phases.
const (
	PhaseIdle         Phase = "idle"
	PhaseCollecting   Phase = "collecting"
	PhaseProcessing   Phase = "processing"
	PhaseDistributing Phase = "distributing"
	PhaseMonitoring   Phase = "monitoring"
	PhaseError        Phase = "error"
)

// ErrInvalidPhaseTransition is returned for a transition outside the phase table.
var ErrInvalidPhaseTransition = errors.New("invalid phase transition")

// transitions lists the phases reachable from each phase.
//
//	idle         -> collecting
//	collecting   -> processing | idle (stopped) | error
//	processing   -> distributing | idle (stopped) | error
//	distributing -> idle | monitoring | error
//	monitoring   -> collecting | idle
//	error        -> collecting | idle
var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseCollecting},
	PhaseCollecting:   {PhaseProcessing, PhaseIdle, PhaseError},
	PhaseProcessing:   {PhaseDistributing, PhaseIdle, PhaseError},
	PhaseDistributing: {PhaseIdle, PhaseMonitoring, PhaseError},
	PhaseMonitoring:   {PhaseCollecting, PhaseIdle},
	PhaseError:        {PhaseCollecting, PhaseIdle},
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	_, ok := transitions[p]

	return ok
}

// Active reports whether p belongs to a running pipeline.
func (p Phase) Active() bool {
	return p == PhaseCollecting || p == PhaseProcessing || p == PhaseDistributing
}

// ValidatePhaseTransition checks from -> to against the phase table.
func ValidatePhaseTransition(from, to Phase) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: unknown phase in %s → %s", ErrInvalidPhaseTransition, from, to)
	}

	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidPhaseTransition, from, to)
}
