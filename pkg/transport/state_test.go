package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTrackerMonotonic(t *testing.T) {
	st := newStateTracker()
	assert.Equal(t, StateConnecting, st.current())

	assert.True(t, st.advance(StateVersionNegotiating, "connected"))
	assert.True(t, st.advance(StateAlgoNegotiating, "version"))
	assert.False(t, st.advance(StateVersionNegotiating, "backwards"))
	assert.False(t, st.advance(StateAlgoNegotiating, "same"))
	assert.True(t, st.advance(StateFailed, "boom"))

	for _, next := range []ConnState{StateAuthenticating, StateConnected, StateClosed} {
		assert.False(t, st.advance(next, "after failure"), "left FAILED for %s", next)
	}
	assert.Equal(t, StateFailed, st.current())

	history := st.transitions()
	assert.Len(t, history, 3)
	assert.Equal(t, StateConnecting, history[0].From)
	assert.Equal(t, StateFailed, history[2].To)
	assert.Equal(t, "boom", history[2].Reason)
}

func TestStateTrackerClosedIsTerminal(t *testing.T) {
	st := newStateTracker()
	assert.True(t, st.advance(StateClosed, "close"))
	assert.False(t, st.advance(StateFailed, "late failure"))
	assert.True(t, st.current().Terminal())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "ALGO_NEGOTIATING", StateAlgoNegotiating.String())
	assert.Equal(t, "UNKNOWN", ConnState(42).String())
}
