package alert

import (
	"encoding/json"
	"math"
)

// Value is a float64 that is persisted as JSON null when it is not finite.
// JSON has no NaN, so null is the explicit "missing" marker; decoding null
// yields NaN again, never zero.
type Value float64

// Missing returns the marker for an absent or unknown value.
func Missing() Value {
	return Value(math.NaN())
}

// Valid reports whether v holds a finite number.
func (v Value) Valid() bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Float returns v as a float64 (NaN when missing).
func (v Value) Float() float64 {
	return float64(v)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(v))
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Missing()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Value(f)
	return nil
}
