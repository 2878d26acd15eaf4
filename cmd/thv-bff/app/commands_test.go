// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bff/pkg/versions"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(viper.Reset)

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) { //nolint:paralleltest // uses the global viper instance
	out, err := run(t, "version", "--json")
	require.NoError(t, err)

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)
}

func TestValidateCommand(t *testing.T) { //nolint:paralleltest // uses the global viper instance
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
oidc:
  issuer: https://idp.example.com
  clientId: bff
  redirectUrl: https://app.example.com/bff/callback
routes:
  - path: /api
    destination: https://api.internal
    tokenType: user
`), 0o600))

	out, err := run(t, "validate", "--config", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "Route: /api -> https://api.internal (token: user)")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("oidc:\n  clientId: bff\n"), 0o600))
	_, err = run(t, "validate", "--config", invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oidc.issuer is required")
}
