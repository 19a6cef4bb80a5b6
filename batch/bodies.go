package batch

import "encoding/json"

// NearmapBody starts a nearmap import.
type NearmapBody struct {
	SessionName  string `json:"session_name"`
	ContainerSAS string `json:"container_sas"`
	TableSAS     string `json:"table_sas"`
}

// ValidationBody starts a configuration validation.
type ValidationBody struct {
	SessionName   string          `json:"session_name"`
	ContainerSAS  string          `json:"container_sas"`
	TableSAS      string          `json:"table_sas"`
	Configuration json.RawMessage `json:"configuration"`
}

// WavescapeBody starts a wavescape simulation.
type WavescapeBody struct {
	SessionName   string          `json:"session_name"`
	IterationName string          `json:"iteration_name"`
	ContainerSAS  string          `json:"container_sas"`
	TableSAS      string          `json:"table_sas"`
	Configuration json.RawMessage `json:"configuration"`
	Stages        json.RawMessage `json:"stages"`
}

// statusPayload is the 200 answer of the status call. The state is an
// enum serialized as {"_value_": "..."}.
type statusPayload struct {
	State struct {
		Value string `json:"_value_"`
	} `json:"state"`
	ExecutionInfo json.RawMessage `json:"execution_info"`
}
