package plan

import (
	"encoding/json"
	"fmt"
)

// SecretRef points at a secret held by a named provider. It appears on the
// wire as {"$secret": {...}} and is resolved to a plain string before a
// plan executes.
type SecretRef struct {
	Provider string `json:"provider"`
	Ref      string `json:"ref"`
	Version  string `json:"version,omitempty"`
	Field    string `json:"field,omitempty"`
}

// Key returns the deduplication key for batch resolution.
func (r SecretRef) Key() string {
	return r.Provider + "\x00" + r.Ref + "\x00" + r.Version + "\x00" + r.Field
}

// VariableRef points at a base-URL target key resolved from the
// per-(organization, environment) target table. With Template set, the
// resolved value is spliced into the template via a ${key} placeholder.
type VariableRef struct {
	Key      string `json:"key"`
	Template string `json:"template,omitempty"`
}

const (
	secretMarkerKey   = "$secret"
	variableMarkerKey = "$variable"
)

// Value is a JSON fragment that is exactly one of: a literal string, a
// secret marker, or a variable marker. Header values and request bases are
// Values so that traversal code is total rather than structural peeking.
type Value struct {
	Literal  string
	Secret   *SecretRef
	Variable *VariableRef
}

// Literal returns a literal string Value.
func LiteralValue(s string) Value { return Value{Literal: s} }

// IsMarker reports whether the value is a secret or variable marker.
func (v Value) IsMarker() bool { return v.Secret != nil || v.Variable != nil }

// MarshalJSON encodes the value in its wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.Secret != nil:
		return json.Marshal(map[string]*SecretRef{secretMarkerKey: v.Secret})
	case v.Variable != nil:
		return json.Marshal(map[string]*VariableRef{variableMarkerKey: v.Variable})
	default:
		return json.Marshal(v.Literal)
	}
}

// UnmarshalJSON decodes either a JSON string or a marker object.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &v.Literal)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("value must be a string or a marker object: %w", err)
	}
	if raw, ok := obj[secretMarkerKey]; ok && len(obj) == 1 {
		ref := &SecretRef{}
		if err := json.Unmarshal(raw, ref); err != nil {
			return fmt.Errorf("malformed %s marker: %w", secretMarkerKey, err)
		}
		v.Secret = ref
		return nil
	}
	if raw, ok := obj[variableMarkerKey]; ok && len(obj) == 1 {
		ref := &VariableRef{}
		if err := json.Unmarshal(raw, ref); err != nil {
			return fmt.Errorf("malformed %s marker: %w", variableMarkerKey, err)
		}
		v.Variable = ref
		return nil
	}
	return fmt.Errorf("value object must carry exactly one of %q or %q", secretMarkerKey, variableMarkerKey)
}

// SecretMarker reports whether an arbitrary decoded JSON value is a secret
// marker, and returns the decoded reference when it is. Used when walking
// request body trees, which are free-form JSON.
func SecretMarker(v any) (*SecretRef, bool) {
	inner, ok := markerPayload(v, secretMarkerKey)
	if !ok {
		return nil, false
	}
	ref := &SecretRef{}
	if err := remarshal(inner, ref); err != nil {
		return nil, false
	}
	return ref, true
}

// VariableMarker is the variable counterpart of SecretMarker.
func VariableMarker(v any) (*VariableRef, bool) {
	inner, ok := markerPayload(v, variableMarkerKey)
	if !ok {
		return nil, false
	}
	ref := &VariableRef{}
	if err := remarshal(inner, ref); err != nil {
		return nil, false
	}
	return ref, true
}

// markerPayload extracts the payload of a single-key marker object.
func markerPayload(v any, key string) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return nil, false
	}
	inner, ok := m[key]
	return inner, ok
}

func remarshal(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
