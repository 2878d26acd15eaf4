// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
)

// formatVersion is bumped whenever the serialized layout changes.
const formatVersion = 1

// serializedClaim omits the value type when it is the default.
type serializedClaim struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	ValueType string `json:"valueType,omitempty"`
}

type serializedTicket struct {
	Version    int               `json:"v"`
	Scheme     string            `json:"s"`
	Claims     []serializedClaim `json:"c"`
	Properties map[string]string `json:"p,omitempty"`
}

// Codec encodes tickets to strings and back.
type Codec struct {
	protector Protector
}

// NewCodec creates a codec. A nil protector stores plain JSON.
func NewCodec(protector Protector) *Codec {
	return &Codec{protector: protector}
}

// Encode serializes the ticket.
func (c *Codec) Encode(t *Ticket) (string, error) {
	if t == nil {
		return "", errors.New("cannot encode nil ticket")
	}

	st := serializedTicket{
		Version:    formatVersion,
		Scheme:     t.Scheme,
		Claims:     make([]serializedClaim, 0, len(t.Principal.Claims)),
		Properties: t.Properties,
	}
	for _, claim := range t.Principal.Claims {
		sc := serializedClaim{Type: claim.Type, Value: claim.Value}
		if claim.ValueType != DefaultValueType {
			sc.ValueType = claim.ValueType
		}
		st.Claims = append(st.Claims, sc)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ticket: %w", err)
	}
	if c.protector == nil {
		return string(data), nil
	}
	return c.protector.Protect(data)
}

// Decode parses a payload produced by Encode. Any failure yields nil; a
// corrupt payload means the session is unusable.
func (c *Codec) Decode(payload string) *Ticket {
	t, _ := c.decode(payload)
	return t
}

func (c *Codec) decode(payload string) (*Ticket, error) {
	data := []byte(payload)
	if c.protector != nil {
		plain, err := c.protector.Unprotect(payload)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	var st serializedTicket
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	if st.Version != formatVersion {
		return nil, fmt.Errorf("unsupported ticket version %d", st.Version)
	}

	t := &Ticket{
		Scheme:     st.Scheme,
		Principal:  Principal{Claims: make([]Claim, 0, len(st.Claims))},
		Properties: st.Properties,
	}
	if t.Properties == nil {
		t.Properties = make(map[string]string)
	}
	for _, sc := range st.Claims {
		vt := sc.ValueType
		if vt == "" {
			vt = DefaultValueType
		}
		t.Principal.Claims = append(t.Principal.Claims, Claim{Type: sc.Type, Value: sc.Value, ValueType: vt})
	}
	return t, nil
}
