package sftp_test

import (
	"os"
	"testing"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/backendtest"
)

// The sftp contract test needs a real server and an authorized key loaded
// into the ssh agent:
//
//	export BORGSTORE_TEST_SFTP_URL="sftp://user@host:port/stash/temp-store"
//
// Note that a single-slash path is relative to the user's home directory on
// the server; use a double slash for server-absolute paths.
func TestContract(t *testing.T) {
	url := os.Getenv("BORGSTORE_TEST_SFTP_URL")
	if url == "" {
		t.Skip("BORGSTORE_TEST_SFTP_URL not set")
	}
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		st, err := stash.New(url, stash.WithLevels(stash.Levels{"": {Depths: []int{0}}}))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return st.Backend()
	})
}
