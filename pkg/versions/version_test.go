// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfo(t *testing.T) { //nolint:paralleltest // mutates package variables
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	tests := []struct {
		name          string
		version       string
		commit        string
		buildDate     string
		wantVersion   string
		wantBuildDate string
	}{
		{"dev without commit", "dev", unknownStr, unknownStr, "build-unknown", unknownStr},
		{"dev with long commit", "dev", "abc123def456789", unknownStr, "build-abc123de", unknownStr},
		{"dev with short commit", "dev", "short", unknownStr, "build-short", unknownStr},
		{"release", "v1.2.3", "abc123", "2025-01-15T10:30:00Z", "v1.2.3", "2025-01-15 10:30:00 UTC"},
		{"unparseable date", "v2.0.0", "def456", "yesterday", "v2.0.0", "yesterday"},
	}

	for _, tt := range tests { //nolint:paralleltest // mutates package variables
		t.Run(tt.name, func(t *testing.T) {
			Version, Commit, BuildDate = tt.version, tt.commit, tt.buildDate

			got := GetVersionInfo()
			assert.Equal(t, tt.wantVersion, got.Version)
			assert.Equal(t, tt.commit, got.Commit)
			assert.Equal(t, tt.wantBuildDate, got.BuildDate)
			assert.Equal(t, runtime.Version(), got.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, got.Platform)
			assert.Contains(t, got.String(), tt.wantVersion)
		})
	}
}
