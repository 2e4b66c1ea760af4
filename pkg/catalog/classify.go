package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Shape identifies which of the known backend entry layouts a raw
// model entry matched.
type Shape int

const (
	ShapeUnrecognized Shape = iota
	ShapeCanonical
	ShapeProviderNested
	ShapeFlat
)

func (s Shape) String() string {
	switch s {
	case ShapeCanonical:
		return "canonical"
	case ShapeProviderNested:
		return "provider_nested"
	case ShapeFlat:
		return "flat"
	default:
		return "unrecognized"
	}
}

// Entry is the classification result for one raw model entry.
// Descriptor is set for ShapeCanonical; ID and Created for the two
// synthesized shapes.
type Entry struct {
	Shape      Shape
	Descriptor Descriptor
	ID         string
	Created    int64
}

const (
	canonicalKey = "ollama"
	nestedKey    = "litellm"
)

// Classify decides which layout a raw entry matches, first match wins.
// It only classifies; synthesis and invariant write-back happen when
// descriptors are built.
func Classify(raw map[string]any) Entry {
	if v, ok := raw[canonicalKey]; ok {
		if d, ok := unwrapCanonical(v); ok {
			return Entry{Shape: ShapeCanonical, Descriptor: d}
		}
	}
	if v, ok := raw[nestedKey]; ok {
		if nested, ok := v.(map[string]any); ok {
			if id, created, ok := idCreated(nested); ok {
				return Entry{Shape: ShapeProviderNested, ID: id, Created: created}
			}
		}
	}
	if id, created, ok := idCreated(raw); ok {
		return Entry{Shape: ShapeFlat, ID: id, Created: created}
	}
	return Entry{Shape: ShapeUnrecognized}
}

// unwrapCanonical accepts both forms aggregators emit: the full record
// as an object, or the same record JSON-encoded into a string.
func unwrapCanonical(v any) (Descriptor, bool) {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case map[string]any:
		var err error
		b, err = json.Marshal(t)
		if err != nil {
			return Descriptor{}, false
		}
	default:
		return Descriptor{}, false
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, false
	}
	if d.Name == "" && d.Model == "" {
		return Descriptor{}, false
	}
	return d, true
}

func idCreated(m map[string]any) (id string, created int64, ok bool) {
	id, ok = m["id"].(string)
	if !ok || id == "" {
		return "", 0, false
	}
	// JSON numbers arrive as float64.
	f, ok := m["created"].(float64)
	if !ok {
		return "", 0, false
	}
	return id, int64(f), true
}

// DigestFor is the stable identifier substitute: lowercase-hex SHA-256
// of the model name.
func DigestFor(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
