package token

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a token.
type State string

const (
	StateNew       State = "new"
	StateHeatingUp State = "heatingUp"
	StateFirstPump State = "firstPump"
	StateDrawdown  State = "drawdown"
	StateRecovery  State = "recovery"
	StateOpen      State = "open"
	StateDead      State = "dead"
)

// transition defines an allowed lifecycle edge.
type transition struct {
	from State
	to   State
}

// transitions is the authoritative table. Any (from, to) pair not
// present is rejected.
var transitions = map[transition]bool{
	{StateNew, StateHeatingUp}:       true,
	{StateNew, StateFirstPump}:       true,
	{StateNew, StateDead}:            true,
	{StateHeatingUp, StateFirstPump}: true,
	{StateHeatingUp, StateDead}:      true,
	{StateFirstPump, StateDrawdown}:  true,
	{StateFirstPump, StateDead}:      true,
	{StateDrawdown, StateRecovery}:   true,
	{StateDrawdown, StateDead}:       true,
	{StateRecovery, StateDrawdown}:   true,
	{StateRecovery, StateOpen}:       true,
	{StateRecovery, StateDead}:       true,
	{StateOpen, StateDead}:           true,
}

// InvalidTransitionError reports a rejected lifecycle edge. The
// token's state is unchanged when this is returned.
type InvalidTransitionError struct {
	Mint string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("token %s: invalid transition %s -> %s", e.Mint, e.From, e.To)
}

// TransitionTo advances the token's lifecycle state. Entry side
// effects run only when the edge is accepted.
func (t *Token) TransitionTo(next State, now time.Time) error {
	if !transitions[transition{from: t.state, to: next}] {
		return &InvalidTransitionError{Mint: t.Mint, From: t.state, To: next}
	}

	prev := t.state
	t.state = next
	t.stateEnteredAt = now

	switch next {
	case StateFirstPump:
		t.recordPump(now)

	case StateDrawdown:
		// Entering drawdown anchors the low to the current cap; the
		// low then tracks down on every trade until recovery resolves.
		low := t.MarketCapSol
		t.DrawdownLow = &low
		t.Unsafe = false
		t.UnsafeReason = ""
		t.readySignaled = false

	case StateOpen, StateDead:
		// Terminal-ish states keep DrawdownLow for reporting.
	}

	log.Debug().
		Str("mint", t.Mint).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("token: state changed")
	return nil
}
