package escrow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Terminal(t *testing.T) {
	terminal := map[State]bool{
		StateCompleted: true, StateCancelled: true, StateRefunded: true,
		StateExpired: true, StateResolved: true, StateFrozen: true,
	}
	for _, s := range States {
		assert.Equal(t, terminal[s], s.IsTerminal(), s.String())
		assert.Equal(t, s == StatePending || s == StateApproved || s == StateDisputed, s.Locked(), s.String())
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range States {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseState("delivered")
	assert.Error(t, err)

	_, err = State(42).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "state(42)", State(42).String())
}

func TestRecord_JSONState(t *testing.T) {
	raw, err := json.Marshal(&Record{ID: 3, State: StateDisputed})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"disputed"`)

	var r Record
	require.NoError(t, json.Unmarshal(raw, &r))
	assert.Equal(t, StateDisputed, r.State)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	p := uint64(40)
	r := &Record{ID: 1, DisputePercent: &p}
	cp := r.Clone()
	*cp.DisputePercent = 90
	assert.Equal(t, uint64(40), *r.DisputePercent)
}
