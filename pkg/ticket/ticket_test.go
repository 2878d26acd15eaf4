// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicket_Accessors(t *testing.T) {
	t.Parallel()

	tk := sampleTicket()
	assert.Equal(t, "alice", tk.SubjectID())
	assert.Equal(t, "s1", tk.SessionID())
	assert.Equal(t, "rt-1", tk.Get(PropRefreshToken))

	tk.Set(PropRefreshToken, "")
	_, ok := tk.Properties[PropRefreshToken]
	assert.False(t, ok)

	var empty Ticket
	assert.Equal(t, "", empty.Get("x"))
	empty.Set("x", "y")
	assert.Equal(t, "y", empty.Get("x"))
}

func TestTicket_Times(t *testing.T) {
	t.Parallel()

	tk := New("oidc", nil)
	assert.Nil(t, tk.ExpiresUTC())

	exp := time.Date(2025, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	tk.SetExpiresUTC(&exp)
	got := tk.ExpiresUTC()
	require.NotNil(t, got)
	assert.True(t, exp.Equal(*got))
	assert.Equal(t, time.UTC, got.Location())

	tk.SetExpiresUTC(nil)
	assert.Nil(t, tk.ExpiresUTC())

	tk.Set(PropIssued, "garbage")
	assert.Nil(t, tk.IssuedUTC())
}

func TestTicket_Clone(t *testing.T) {
	t.Parallel()

	tk := sampleTicket()
	c := tk.Clone()
	c.Set("custom", "changed")
	c.Principal.Claims[0].Value = "mallory"

	assert.Equal(t, "value", tk.Get("custom"))
	assert.Equal(t, "alice", tk.SubjectID())
}
