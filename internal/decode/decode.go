// Package decode holds the payload decoder contract and the built-in
// decoders. A decoder turns a raw MQTT payload into a timestamp plus a map
// of named numeric values; the acquisition engine routes those values to
// timeseries through topic links.
package decode

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNotFound is returned when a topic references an unregistered decoder.
var ErrNotFound = errors.New("payload decoder not found")

// Decoder is the payload decoder contract. Implementations must be
// stateless: Decode is called concurrently from several sessions.
type Decoder interface {
	Name() string
	Description() string
	Fields() []string
	Decode(payload []byte) (time.Time, map[string]float64, error)
}

// PayloadError reports a payload that a decoder could not parse. The
// message carrying it is dropped by the hot path.
type PayloadError struct {
	Decoder string
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decoder %s: %v", e.Decoder, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func payloadErrf(decoder, format string, args ...any) error {
	return &PayloadError{Decoder: decoder, Err: fmt.Errorf(format, args...)}
}

// RegistrationError reports a decoder that violates the registry contract.
type RegistrationError struct {
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register decoder %q: %s", e.Name, e.Reason)
}

// Registry maps decoder names to decoders. It is built once at service
// construction and read-only afterwards.
type Registry struct {
	byName map[string]Decoder
}

// NewRegistry validates and indexes the given decoders. Registering the
// same name twice is accepted only when the field sets match.
func NewRegistry(decoders ...Decoder) (*Registry, error) {
	r := &Registry{byName: make(map[string]Decoder, len(decoders))}
	for _, d := range decoders {
		if err := validate(d); err != nil {
			return nil, err
		}
		if prev, ok := r.byName[d.Name()]; ok {
			if !sameFields(prev.Fields(), d.Fields()) {
				return nil, &RegistrationError{Name: d.Name(), Reason: "name already registered with different fields"}
			}
			continue
		}
		r.byName[d.Name()] = d
	}
	return r, nil
}

func validate(d Decoder) error {
	if d == nil {
		return &RegistrationError{Name: "", Reason: "nil decoder"}
	}
	if d.Name() == "" {
		return &RegistrationError{Name: "", Reason: "empty name"}
	}
	fields := d.Fields()
	if len(fields) == 0 {
		return &RegistrationError{Name: d.Name(), Reason: "no fields"}
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" {
			return &RegistrationError{Name: d.Name(), Reason: "empty field name"}
		}
		if seen[f] {
			return &RegistrationError{Name: d.Name(), Reason: fmt.Sprintf("duplicate field %q", f)}
		}
		seen[f] = true
	}
	return nil
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Get returns the decoder registered under name.
func (r *Registry) Get(name string) (Decoder, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// All returns the registered decoders sorted by name.
func (r *Registry) All() []Decoder {
	out := make([]Decoder, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Builtin returns the decoders shipped with the engine.
func Builtin() []Decoder {
	return []Decoder{
		BEMServer{},
		ChirpstackARF8200AA(),
		ChirpstackEM300TH868(),
		ChirpstackUC11(),
		ChirpstackEAGLE1500(),
	}
}

// parseTimestamp accepts RFC 3339 instants with or without fractional
// seconds, Z or numeric offsets.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
