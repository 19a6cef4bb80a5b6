package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	r := New("Acme", "user-1", t0)

	assert.Equal(t, CurrentVersion, r.Version)
	assert.Equal(t, []string{DefaultIterationName}, r.IterationNames)
	assert.Equal(t, NewStateSet(StateIdle), r.States)
	assert.True(t, r.Nearmap.IsZero())
	assert.True(t, r.Validation.IsZero())
	assert.True(t, r.Wavescape.IsZero())
	assert.NoError(t, r.Validate())
}

func TestRecord_Iterations(t *testing.T) {
	r := New("Acme", "user-1", t0)

	r.AppendIteration("Initial")
	assert.Equal(t, []string{"Initial"}, r.IterationNames)

	r.AppendIteration("Run 2")
	r.AppendIteration("Run 2")
	assert.Equal(t, []string{"Initial", "Run 2"}, r.IterationNames)
	assert.Equal(t, "Run 2", r.CurrentIteration())

	r.AppendIteration("Initial")
	assert.Equal(t, "Initial", r.CurrentIteration(), "earlier names may be reused")
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := New("Acme", "user-1", t0)
	c := r.Clone()
	c.AppendIteration("Second")
	c.Activity(ActivityWavescape).TaskID = "T9"

	assert.Equal(t, []string{"Initial"}, r.IterationNames)
	assert.Empty(t, r.Wavescape.TaskID)
}

func TestRecord_JSONDocument(t *testing.T) {
	r := New("Acme", "user-1", t0)
	r.Configuration = `{"grid":"fine"}`
	r.Nearmap.TaskID = "T1"

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.EqualValues(t, 1, doc["version"])
	assert.Equal(t, []any{"IDLE"}, doc["states"])
	assert.Equal(t, `{"grid":"fine"}`, doc["configuration"])

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r.States, back.States)
	assert.Equal(t, "T1", back.Nearmap.TaskID)
}

func TestRecord_Validate(t *testing.T) {
	var nilRecord *Record
	assert.Error(t, nilRecord.Validate())
	assert.Error(t, (&Record{Name: "x"}).Validate())
	assert.Error(t, (&Record{States: NewStateSet(StateIdle)}).Validate())
}
