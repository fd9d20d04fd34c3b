//go:build !sqlite

package storage

import (
	"strings"
	"testing"
)

func TestNewStoreSQLiteRequiresBuildTag(t *testing.T) {
	_, err := NewStore("sqlite", "runs.db")
	if err == nil || !strings.Contains(err.Error(), "-tags sqlite") {
		t.Fatalf("expected build tag error, got %v", err)
	}
}
