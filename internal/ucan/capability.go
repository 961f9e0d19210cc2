package ucan

import (
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Capability is a scoped permission: an ability (Can) on a resource (With)
// constrained by caveats (Nb).
//
// Caveats are kept in their canonical encoded form so that a capability
// decoded from the wire re-encodes to exactly the same bytes. Handlers
// decode them into typed structs with DecodeNb.
type Capability struct {
	Can  string     `cbor:"can"`
	With string     `cbor:"with"`
	Nb   RawMessage `cbor:"nb,omitempty"`
}

// NewCapability builds a capability, encoding nb canonically. Ability and
// resource strings are NFC normalized so that visually identical inputs
// yield identical task identifiers.
func NewCapability(can, with string, nb any) (Capability, error) {
	c := Capability{
		Can:  norm.NFC.String(can),
		With: norm.NFC.String(with),
	}
	if nb != nil {
		raw, err := Marshal(nb)
		if err != nil {
			return Capability{}, fmt.Errorf("encode caveats for %s: %w", can, err)
		}
		c.Nb = raw
	}
	return c, nil
}

// DecodeNb decodes the caveats into v.
func (c Capability) DecodeNb(v any) error {
	if len(c.Nb) == 0 {
		return fmt.Errorf("%s: missing caveats", c.Can)
	}
	if err := Unmarshal(c.Nb, v); err != nil {
		return fmt.Errorf("%s: decode caveats: %w", c.Can, err)
	}
	return nil
}

// NbFields decodes the caveats into a map of individually encoded values,
// which lets callers compare caveats field by field without knowing their
// types. A capability without caveats yields an empty map.
func (c Capability) NbFields() (map[string]RawMessage, error) {
	m := map[string]RawMessage{}
	if len(c.Nb) == 0 {
		return m, nil
	}
	if err := Unmarshal(c.Nb, &m); err != nil {
		return nil, fmt.Errorf("%s: decode caveats: %w", c.Can, err)
	}
	return m, nil
}
