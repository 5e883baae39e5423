package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePhaseTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		{"idle to collecting", PhaseIdle, PhaseCollecting, false},
		{"collecting to processing", PhaseCollecting, PhaseProcessing, false},
		{"collecting stopped", PhaseCollecting, PhaseIdle, false},
		{"collecting failed", PhaseCollecting, PhaseError, false},
		{"processing to distributing", PhaseProcessing, PhaseDistributing, false},
		{"distributing to monitoring", PhaseDistributing, PhaseMonitoring, false},
		{"distributing to idle", PhaseDistributing, PhaseIdle, false},
		{"monitoring to collecting", PhaseMonitoring, PhaseCollecting, false},
		{"error retry", PhaseError, PhaseCollecting, false},
		{"error reset", PhaseError, PhaseIdle, false},

		{"idle skips collecting", PhaseIdle, PhaseProcessing, true},
		{"collecting skips processing", PhaseCollecting, PhaseDistributing, true},
		{"processing backwards", PhaseProcessing, PhaseCollecting, true},
		{"idle to idle", PhaseIdle, PhaseIdle, true},
		{"monitoring to error", PhaseMonitoring, PhaseError, true},
		{"unknown source phase", Phase("paused"), PhaseIdle, true},
		{"unknown target phase", PhaseIdle, Phase("paused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePhaseTransition(tt.from, tt.to)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPhaseTransition)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPhase_Active(t *testing.T) {
	for _, p := range []Phase{PhaseCollecting, PhaseProcessing, PhaseDistributing} {
		assert.True(t, p.Active(), p)
	}

	for _, p := range []Phase{PhaseIdle, PhaseMonitoring, PhaseError} {
		assert.False(t, p.Active(), p)
	}
}
