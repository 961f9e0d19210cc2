package ucan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Failure is a named, structured error that can travel inside a receipt.
//
// Name identifies the kind of failure and is what callers match on. Fields
// carries kind-specific values (for example the size and limit of an
// oversized blob) which are encoded alongside name and message.
type Failure struct {
	Name    string
	Message string
	Cause   *Failure
	Fields  map[string]any
}

// NewFailure creates a failure with a formatted message.
func NewFailure(name, format string, args ...any) *Failure {
	return &Failure{Name: name, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of f with an extra field set.
func (f *Failure) With(key string, value any) *Failure {
	out := *f
	out.Fields = make(map[string]any, len(f.Fields)+1)
	for k, v := range f.Fields {
		out.Fields[k] = v
	}
	out.Fields[key] = value
	return &out
}

// WithCause returns a copy of f wrapping cause.
func (f *Failure) WithCause(cause error) *Failure {
	out := *f
	out.Cause = AsFailure(cause)
	return &out
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return f.Name
	}
	return f.Message
}

// Is matches failures by name, so a sentinel such as
// &Failure{Name: "EntryExists"} matches any failure of that kind.
func (f *Failure) Is(target error) bool {
	var t *Failure
	if !errors.As(target, &t) {
		return false
	}
	return t.Name == f.Name
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (f *Failure) Unwrap() error {
	if f.Cause == nil {
		return nil
	}
	return f.Cause
}

// AsFailure converts any error into a Failure. Errors that already are (or
// wrap) a Failure are returned as is; anything else becomes a generic
// failure named "Error" carrying the original message.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Name: "Error", Message: err.Error()}
}

func (f *Failure) toMap() map[string]any {
	m := make(map[string]any, len(f.Fields)+3)
	for k, v := range f.Fields {
		m[k] = v
	}
	m["name"] = f.Name
	m["message"] = f.Message
	if f.Cause != nil {
		m["cause"] = f.Cause.toMap()
	}
	return m
}

func (f *Failure) fromMap(m map[string]any) {
	f.Fields = nil
	for k, v := range m {
		switch k {
		case "name":
			f.Name, _ = v.(string)
		case "message":
			f.Message, _ = v.(string)
		case "cause":
			if cm, ok := v.(map[string]any); ok {
				f.Cause = &Failure{}
				f.Cause.fromMap(cm)
			}
		default:
			if f.Fields == nil {
				f.Fields = make(map[string]any)
			}
			f.Fields[k] = v
		}
	}
}

// MarshalCBOR encodes the failure as a flat map with name and message
// alongside its fields.
func (f *Failure) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(f.toMap())
}

// UnmarshalCBOR decodes a flat failure map.
func (f *Failure) UnmarshalCBOR(data []byte) error {
	var m map[string]any
	if err := decMode.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode failure: %w", err)
	}
	f.fromMap(m)
	return nil
}

// MarshalJSON renders the failure for logs and CLI output. Keys are sorted
// by encoding/json, so output is stable.
func (f *Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.toMap())
}

// FieldNames returns the names of extra fields in sorted order.
func (f *Failure) FieldNames() []string {
	names := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
