package session

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strings"

	"github.com/nellyag1/wavescape-portal222/types"
)

// State is a single session state tag.
type State uint8

// Session state tags. The declaration order is the canonical tag order.
const (
	StateIdle State = iota
	StateNearmapRunning
	StateNearmapCompleted
	StateConfigurationCompleted
	StateReadyToRun
	StateValidationRunning
	StateValidationCompleted
	StateWavescapeRunning
	StateWavescapeCompleted
	StateStopped

	numStates
)

var stateNames = [numStates]string{
	StateIdle:                   "IDLE",
	StateNearmapRunning:         "NEARMAP_RUNNING",
	StateNearmapCompleted:       "NEARMAP_COMPLETED",
	StateConfigurationCompleted: "CONFIGURATION_COMPLETED",
	StateReadyToRun:             "READY_TO_RUN",
	StateValidationRunning:      "VALIDATION_RUNNING",
	StateValidationCompleted:    "VALIDATION_COMPLETED",
	StateWavescapeRunning:       "WAVESCAPE_RUNNING",
	StateWavescapeCompleted:     "WAVESCAPE_COMPLETED",
	StateStopped:                "STOPPED",
}

// AllStates returns every state tag in canonical order.
func AllStates() []State {
	out := make([]State, 0, numStates)
	for s := State(0); s < numStates; s++ {
		out = append(out, s)
	}
	return out
}

// String returns the tag name.
func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is a known tag.
func (s State) Valid() bool {
	return s < numStates
}

// ParseState parses a tag name. Matching is case-insensitive.
func ParseState(name string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == upper {
			return State(i), nil
		}
	}
	return 0, types.Errorf(types.ErrValidation, "unknown session state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid session state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StateSet is a finite set of state tags stored as a bitset.
// The zero value is the empty set.
type StateSet uint16

// NewStateSet builds a set from the given tags.
func NewStateSet(states ...State) StateSet {
	var set StateSet
	for _, s := range states {
		set = set.With(s)
	}
	return set
}

// Has reports whether s is in the set.
func (set StateSet) Has(s State) bool {
	return s.Valid() && set&(1<<s) != 0
}

// With returns the set with s added.
func (set StateSet) With(s State) StateSet {
	if !s.Valid() {
		return set
	}
	return set | 1<<s
}

// Without returns the set with s removed.
func (set StateSet) Without(s State) StateSet {
	if !s.Valid() {
		return set
	}
	return set &^ (1 << s)
}

// Equal reports whether both sets hold exactly the same tags.
func (set StateSet) Equal(other StateSet) bool {
	return set == other
}

// Len returns the number of tags in the set.
func (set StateSet) Len() int {
	return bits.OnesCount16(uint16(set))
}

// IsEmpty reports whether the set holds no tags.
func (set StateSet) IsEmpty() bool {
	return set == 0
}

// Slice returns the tags in canonical order.
func (set StateSet) Slice() []State {
	out := make([]State, 0, set.Len())
	for s := State(0); s < numStates; s++ {
		if set.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Names returns the tag names in canonical order.
func (set StateSet) Names() []string {
	states := set.Slice()
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

// String renders the set as {A, B}.
func (set StateSet) String() string {
	return "{" + strings.Join(set.Names(), ", ") + "}"
}

// MarshalJSON encodes the set as an array of tag names in canonical order.
func (set StateSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(set.Names())
}

// UnmarshalJSON decodes an array of tag names. Duplicates collapse.
func (set *StateSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decode session states: %w", err)
	}
	var out StateSet
	for _, n := range names {
		s, err := ParseState(n)
		if err != nil {
			return err
		}
		out = out.With(s)
	}
	*set = out
	return nil
}

// promotedPair is the set that collapses into {READY_TO_RUN}.
var promotedPair = NewStateSet(StateNearmapCompleted, StateConfigurationCompleted)

// Normalize applies the ready-to-run promotion: exactly
// {NEARMAP_COMPLETED, CONFIGURATION_COMPLETED} becomes {READY_TO_RUN}.
// Any other set is returned unchanged.
func Normalize(set StateSet) StateSet {
	if set == promotedPair {
		return NewStateSet(StateReadyToRun)
	}
	return set
}
