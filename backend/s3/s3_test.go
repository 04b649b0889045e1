package s3_test

import (
	"os"
	"testing"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/backendtest"
)

// The s3 contract test needs a reachable bucket:
//
//	export BORGSTORE_TEST_S3_URL="s3:keyid:secret@http://127.0.0.1:9000/test/path"
//	export BORGSTORE_TEST_S3_URL="b2:keyid:secret@https://s3.us-east-005.backblazeb2.com/test/path"
func TestContract(t *testing.T) {
	url := os.Getenv("BORGSTORE_TEST_S3_URL")
	if url == "" {
		t.Skip("BORGSTORE_TEST_S3_URL not set")
	}
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		st, err := stash.New(url, stash.WithLevels(stash.Levels{"": {Depths: []int{0}}}))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return st.Backend()
	})
}
