package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec. The most portable option; use it
// when exported state must be read by tooling outside this module.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used for newly exported state. Existing exports are
// self-describing and are opened by selecting their recorded codec by name.
var Default Codec = GoJSON{}
