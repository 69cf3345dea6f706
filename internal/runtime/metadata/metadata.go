// Package metadata holds the two key/value containers buslink carries with a
// message: envelope Metadata, whose values are typed JSON values, and
// transport Headers, which are plain strings.
package metadata

import (
	"fmt"

	"github.com/drblury/buslink/internal/runtime/jsoncodec"
)

// Metadata is the open mapping carried inside an envelope.
type Metadata map[string]Value

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map. Values are immutable so
// sharing them is safe.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key string, value Value) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Take removes key and returns its value.
func (m Metadata) Take(key string) (Value, bool) {
	v, ok := m[key]
	if ok {
		delete(m, key)
	}
	return v, ok
}

// SetDefault stores value under key unless the key is present. It reports
// whether the value was stored.
func (m Metadata) SetDefault(key string, value Value) bool {
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = value
	return true
}

// Equal reports whether both maps hold equal values under the same keys.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// Parse decodes a JSON object into Metadata. An empty input yields an empty
// map.
func Parse(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, nil
	}
	var raw any
	if err := jsoncodec.UnmarshalUseNumber(data, &raw); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata must be a JSON object, got %s", describe(raw))
	}
	out := make(Metadata, len(obj))
	for k, v := range obj {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// New constructs Metadata from alternating key/value pairs.
func New(pairs ...any) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		v, err := FromAny(pairs[i+1])
		if err != nil {
			v = String(fmt.Sprint(pairs[i+1]))
		}
		md[key] = v
	}
	return md
}
