// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bff

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/stacklok/toolhive-bff/pkg/ticket"
)

// Value types for claims that are not plain strings.
const (
	valueTypeBoolean = "http://www.w3.org/2001/XMLSchema#boolean"
	valueTypeInteger = "http://www.w3.org/2001/XMLSchema#integer64"
	valueTypeDouble  = "http://www.w3.org/2001/XMLSchema#double"
	valueTypeJSON    = "JSON"
)

// protocolClaims are ID token mechanics, not facts about the user.
var protocolClaims = map[string]bool{
	"aud": true, "azp": true, "at_hash": true, "c_hash": true,
	"exp": true, "iat": true, "nbf": true, "nonce": true, "jti": true,
}

// claimsFromIDToken flattens ID token claims into ticket claims. Arrays
// become repeated claims of the same type; objects are kept as JSON.
func claimsFromIDToken(raw map[string]any) []ticket.Claim {
	names := make([]string, 0, len(raw))
	for name := range raw {
		if !protocolClaims[name] {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	var claims []ticket.Claim
	for _, name := range names {
		switch v := raw[name].(type) {
		case []any:
			for _, item := range v {
				claims = append(claims, toClaim(name, item))
			}
		case nil:
		default:
			claims = append(claims, toClaim(name, v))
		}
	}
	return claims
}

func toClaim(name string, v any) ticket.Claim {
	switch val := v.(type) {
	case string:
		return ticket.Claim{Type: name, Value: val, ValueType: ticket.DefaultValueType}
	case bool:
		return ticket.Claim{Type: name, Value: strconv.FormatBool(val), ValueType: valueTypeBoolean}
	case float64:
		if val == float64(int64(val)) {
			return ticket.Claim{Type: name, Value: strconv.FormatInt(int64(val), 10), ValueType: valueTypeInteger}
		}
		return ticket.Claim{Type: name, Value: strconv.FormatFloat(val, 'f', -1, 64), ValueType: valueTypeDouble}
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ticket.Claim{Type: name, Value: fmt.Sprint(val)}
		}
		return ticket.Claim{Type: name, Value: string(b), ValueType: valueTypeJSON}
	}
}
