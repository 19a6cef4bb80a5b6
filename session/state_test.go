package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nellyag1/wavescape-portal222/types"
)

func TestParseState(t *testing.T) {
	for _, s := range AllStates() {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	parsed, err := ParseState(" ready_to_run ")
	require.NoError(t, err)
	assert.Equal(t, StateReadyToRun, parsed)

	_, err = ParseState("PAUSED")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestStateSet_Operations(t *testing.T) {
	set := NewStateSet(StateIdle, StateConfigurationCompleted)

	assert.True(t, set.Has(StateIdle))
	assert.False(t, set.Has(StateStopped))
	assert.Equal(t, 2, set.Len())

	set = set.With(StateIdle)
	assert.Equal(t, 2, set.Len(), "With is idempotent")

	set = set.Without(StateIdle).Without(StateIdle)
	assert.Equal(t, NewStateSet(StateConfigurationCompleted), set)
	assert.Equal(t, []State{StateConfigurationCompleted}, set.Slice())

	assert.True(t, StateSet(0).IsEmpty())
	assert.Equal(t, StateSet(0), StateSet(0).With(State(200)), "unknown tags are ignored")
	assert.Equal(t, "{IDLE, STOPPED}", NewStateSet(StateStopped, StateIdle).String())
}

func TestStateSet_JSON(t *testing.T) {
	set := NewStateSet(StateWavescapeRunning, StateReadyToRun, StateIdle)

	data, err := json.Marshal(set)
	require.NoError(t, err)
	assert.JSONEq(t, `["IDLE","READY_TO_RUN","WAVESCAPE_RUNNING"]`, string(data))

	var decoded StateSet
	require.NoError(t, json.Unmarshal([]byte(`["STOPPED","IDLE","STOPPED"]`), &decoded))
	assert.Equal(t, NewStateSet(StateIdle, StateStopped), decoded)

	err = json.Unmarshal([]byte(`["BOGUS"]`), &decoded)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   StateSet
		want StateSet
	}{
		{
			name: "pair collapses",
			in:   NewStateSet(StateNearmapCompleted, StateConfigurationCompleted),
			want: NewStateSet(StateReadyToRun),
		},
		{
			name: "superset untouched",
			in:   NewStateSet(StateNearmapCompleted, StateConfigurationCompleted, StateIdle),
			want: NewStateSet(StateNearmapCompleted, StateConfigurationCompleted, StateIdle),
		},
		{
			name: "single tag untouched",
			in:   NewStateSet(StateNearmapCompleted),
			want: NewStateSet(StateNearmapCompleted),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestParseActivity(t *testing.T) {
	for _, a := range AllActivities() {
		parsed, err := ParseActivity(a.Upper())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	_, err := ParseActivity("export")
	assert.True(t, types.IsCode(err, types.ErrValidation))

	assert.Equal(t, StateNearmapRunning, ActivityNearmap.RunningState())
	assert.Equal(t, StateValidationCompleted, ActivityValidation.CompletedState())
	assert.Equal(t, StateWavescapeRunning, ActivityWavescape.RunningState())
}
