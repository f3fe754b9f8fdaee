package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateNew, StateHeatingUp, true},
		{StateNew, StateFirstPump, true},
		{StateNew, StateDead, true},
		{StateNew, StateDrawdown, false},
		{StateNew, StateOpen, false},
		{StateHeatingUp, StateFirstPump, true},
		{StateHeatingUp, StateDrawdown, false},
		{StateFirstPump, StateDrawdown, true},
		{StateFirstPump, StateRecovery, false},
		{StateDrawdown, StateRecovery, true},
		{StateDrawdown, StateOpen, false},
		{StateRecovery, StateDrawdown, true},
		{StateRecovery, StateOpen, true},
		{StateRecovery, StateDead, true},
		{StateOpen, StateDead, true},
		{StateOpen, StateRecovery, false},
		{StateDead, StateNew, false},
		{StateDead, StateRecovery, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			tok := newTestToken(7500)
			tok.state = tc.from

			err := tok.TransitionTo(tc.to, testBase)
			if tc.ok {
				assert.NoError(t, err)
				assert.Equal(t, tc.to, tok.State())
			} else {
				var invalid *InvalidTransitionError
				require.ErrorAs(t, err, &invalid)
				assert.Equal(t, tc.from, invalid.From)
				assert.Equal(t, tc.to, invalid.To)
				assert.Equal(t, tc.from, tok.State(), "state must be unchanged after a rejected edge")
			}
		})
	}
}

func TestEnteringDrawdownAnchorsLow(t *testing.T) {
	tok := newTestToken(12000)
	tok.state = StateFirstPump
	tok.Unsafe = true
	tok.UnsafeReason = "High holder concentration"
	tok.readySignaled = true

	require.NoError(t, tok.TransitionTo(StateDrawdown, testBase))

	require.NotNil(t, tok.DrawdownLow)
	assert.True(t, tok.DrawdownLow.Equal(tok.MarketCapSol))
	assert.False(t, tok.Unsafe, "a fresh drawdown clears the unsafe flag")
	assert.Empty(t, tok.UnsafeReason)
}

func TestStateAge(t *testing.T) {
	tok := newTestToken(7500)
	tok.stateEnteredAt = testBase

	assert.Equal(t, 90*time.Second, tok.StateAge(testBase.Add(90*time.Second)))
}
