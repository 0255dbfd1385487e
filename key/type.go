// Package key implements the key-wrapping layer: random data keys sealed
// under wrapping keys, unwrapped fail-closed and rotated in place.
package key

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type records what a key is used for.
type Type int

const (
	// Data keys encrypt secret payloads and are stored only in wrapped form.
	Data Type = iota
	// Wrapping keys are derived from the master password and never stored.
	Wrapping
)

// ErrUnknownType is returned when an unrecognized key type is encountered.
var ErrUnknownType = errors.New("unknown key type")

func (t Type) String() string {
	switch t {
	case Data:
		return "Data"
	case Wrapping:
		return "Wrapping"
	default:
		return "Unknown"
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling key type: %w", err)
	}

	switch s {
	case "Data":
		*t = Data
	case "Wrapping":
		*t = Wrapping
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
