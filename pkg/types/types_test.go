package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManagementState(t *testing.T) {
	tests := []struct {
		state    ManagementState
		valid    bool
		terminal bool
	}{
		{StateCreated, true, false},
		{StateReconciling, true, false},
		{StateReconcileRetry, true, false},
		{StateReconcileFailed, true, false},
		{StateReconciled, true, true},
		{StateReconcileSkipped, true, true},
		{StateInterrupted, true, false},
		{StateTimedOut, true, false},
		{"", false, false},
		{"created", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.state.Valid())
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}

	for _, s := range AttentionStates {
		assert.False(t, s.Terminal(), s)
	}
}

func TestAgentState(t *testing.T) {
	assert.True(t, AgentStateProcessingInBackend.InFlight())
	assert.False(t, AgentStateNone.InFlight())
	assert.False(t, AgentStateCompleted.InFlight())

	assert.True(t, AgentStateFailed.Finished())
	assert.False(t, AgentStateDangledInBackend.Finished())
}

func TestCloneIsDeep(t *testing.T) {
	r := &ReconcileRecord{RequestSequence: 1, OperationPayload: []byte{1}, AnswerPayload: []byte{2}}
	c := r.Clone()
	c.OperationPayload[0] = 9
	c.AnswerPayload[0] = 9

	assert.Equal(t, byte(1), r.OperationPayload[0])
	assert.Equal(t, byte(2), r.AnswerPayload[0])
	assert.Equal(t, r.Key(), c.Key())
}

func TestHost(t *testing.T) {
	h := &Host{Status: HostStatusUp, PoolIDs: []int64{1, 2}}
	assert.True(t, h.Usable())
	assert.True(t, h.CanReachPool(2))
	assert.False(t, h.CanReachPool(3))

	h.Status = HostStatusDisconnected
	assert.False(t, h.Usable())

	assert.True(t, (&Volume{InstanceID: 4}).Attached())
	assert.False(t, (&Volume{}).Attached())
}
