package state

import (
	"path/filepath"
	"testing"

	"github.com/YousifYassi/prototype/internal/logger"
)

func setupTestManager(t *testing.T, sealer Sealer) *Manager {
	t.Helper()

	mgr, err := NewManager(filepath.Join(t.TempDir(), "db", "safety.db"), sealer, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	return mgr
}
