package stash_test

import (
	"errors"
	"testing"

	"github.com/aweris/stash"
	"github.com/aweris/stash/backend/posixfs"
	"github.com/aweris/stash/backend/rclone"
	"github.com/aweris/stash/backend/s3"
	"github.com/aweris/stash/backend/sftp"
)

var testLevels = stash.Levels{"data": {Depths: []int{2}}}

func TestFileURL(t *testing.T) {
	st, err := stash.New("file:///absolute/path", stash.WithLevels(testLevels))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, ok := st.Backend().(*posixfs.PosixFS)
	if !ok {
		t.Fatalf("backend is %T, want *posixfs.PosixFS", st.Backend())
	}
	if b.Base() != "/absolute/path" {
		t.Fatalf("base = %q", b.Base())
	}
}

func TestInvalidURLs(t *testing.T) {
	invalid := []string{
		// there is no such thing as a relative-path file URL, and posixfs
		// does not support remote hosts:
		"file://relative/path",
		"file://hostname/share",
		"ftp://host/path",
		"sftp://",
		"s3:/bucketonly",
		"",
	}
	for _, url := range invalid {
		if _, err := stash.New(url, stash.WithLevels(testLevels)); !errors.Is(err, stash.ErrInvalidURL) {
			t.Errorf("New(%q): want ErrInvalidURL, got %v", url, err)
		}
	}
}

func TestSftpURL(t *testing.T) {
	cases := []struct {
		url  string
		user string
		host string
		port int
		path string
	}{
		{"sftp://username@hostname:2222/rel/path", "username", "hostname", 2222, "rel/path"},
		{"sftp://username@hostname/rel/path", "username", "hostname", 0, "rel/path"},
		{"sftp://hostname/rel/path", "", "hostname", 0, "rel/path"},
		{"sftp://username@hostname:2222//abs/path", "username", "hostname", 2222, "/abs/path"},
		{"sftp://username@hostname//abs/path", "username", "hostname", 0, "/abs/path"},
		{"sftp://hostname//abs/path", "", "hostname", 0, "/abs/path"},
	}
	for _, tc := range cases {
		st, err := stash.New(tc.url, stash.WithLevels(testLevels))
		if err != nil {
			t.Errorf("New(%q): %v", tc.url, err)
			continue
		}
		b, ok := st.Backend().(*sftp.Sftp)
		if !ok {
			t.Errorf("New(%q): backend is %T", tc.url, st.Backend())
			continue
		}
		cfg := b.Cfg()
		if cfg.User != tc.user || cfg.Host != tc.host || cfg.Port != tc.port || cfg.Path != tc.path {
			t.Errorf("New(%q) = %+v", tc.url, cfg)
		}
	}
}

func TestRcloneURL(t *testing.T) {
	cases := []struct {
		url string
		fs  string
	}{
		{"rclone:remote:", "remote:"},
		{"rclone:remote:path", "remote:path/"},
		{"rclone:remote:path/", "remote:path/"},
	}
	for _, tc := range cases {
		st, err := stash.New(tc.url, stash.WithLevels(testLevels))
		if err != nil {
			t.Errorf("New(%q): %v", tc.url, err)
			continue
		}
		b, ok := st.Backend().(*rclone.Rclone)
		if !ok {
			t.Errorf("New(%q): backend is %T", tc.url, st.Backend())
			continue
		}
		if b.Fs() != tc.fs {
			t.Errorf("New(%q): fs = %q, want %q", tc.url, b.Fs(), tc.fs)
		}
	}
}

func TestS3URL(t *testing.T) {
	cases := []struct {
		url  string
		want s3.Config
	}{
		{
			"s3:profile@https://hostname:9000/bucket/path",
			s3.Config{Bucket: "bucket", Path: "path", Profile: "profile", Endpoint: "https://hostname:9000"},
		},
		{
			"s3:keyid:secret@http://172.28.52.116:9000/test/path",
			s3.Config{Bucket: "test", Path: "path", AccessKey: "keyid", SecretKey: "secret", Endpoint: "http://172.28.52.116:9000"},
		},
		{
			"b2:keyid:secret@https://s3.us-east-005.backblazeb2.com/test/path",
			s3.Config{Bucket: "test", Path: "path", B2: true, AccessKey: "keyid", SecretKey: "secret", Endpoint: "https://s3.us-east-005.backblazeb2.com"},
		},
		{
			// AWS: the endpoint is optional.
			"s3:/bucket/some/path",
			s3.Config{Bucket: "bucket", Path: "some/path"},
		},
	}
	for _, tc := range cases {
		st, err := stash.New(tc.url, stash.WithLevels(testLevels))
		if err != nil {
			t.Errorf("New(%q): %v", tc.url, err)
			continue
		}
		b, ok := st.Backend().(*s3.S3)
		if !ok {
			t.Errorf("New(%q): backend is %T", tc.url, st.Backend())
			continue
		}
		if b.Cfg() != tc.want {
			t.Errorf("New(%q) = %+v, want %+v", tc.url, b.Cfg(), tc.want)
		}
	}
}
