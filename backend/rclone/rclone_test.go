package rclone_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/backendtest"
	"github.com/aweris/stash/backend/rclone"
)

// The rclone contract test uses BORGSTORE_TEST_RCLONE_URL when set, and falls
// back to a local-disk remote in a temp directory when the rclone binary is
// on the path.
func TestContract(t *testing.T) {
	url := os.Getenv("BORGSTORE_TEST_RCLONE_URL")
	if url == "" {
		bin := os.Getenv(rclone.EnvBinary)
		if bin == "" {
			bin = "rclone"
		}
		if _, err := exec.LookPath(bin); err != nil {
			t.Skip("rclone binary not available")
		}
	}
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		target := url
		if target == "" {
			// The backend wants to start from a missing directory.
			target = "rclone:" + filepath.Join(t.TempDir(), "store")
		}
		st, err := stash.New(target, stash.WithLevels(stash.Levels{"": {Depths: []int{0}}}))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return st.Backend()
	})
}
