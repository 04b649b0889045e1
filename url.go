package stash

import (
	"fmt"
	"net/url"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/aweris/stash/backend"
	"github.com/aweris/stash/backend/posixfs"
	"github.com/aweris/stash/backend/rclone"
	"github.com/aweris/stash/backend/s3"
	"github.com/aweris/stash/backend/sftp"
)

// URL grammars. Dispatch is pure: parsing constructs a backend without any
// I/O; connections, credential lookups and subprocess probes happen in Open.
var (
	// file:///absolute/path - the empty host part means the local fs, the
	// third slash separates it from the path and belongs to the path.
	fileRegex = regexp.MustCompile(`^file://(/.*)$`)

	// file://C:/path or file:///C:/path on Windows.
	fileWindowsRegex = regexp.MustCompile(`^file:///?([a-zA-Z]:)(/.*)$`)

	// sftp://user@host:port/rel/path (server-relative) or
	// sftp://user@host:port//abs/path (server-absolute).
	sftpRegex = regexp.MustCompile(`^sftp://(?:([^@]+)@)?([^:/]+)(?::(\d+))?(/.+)$`)

	// rclone:remote:path - everything after the scheme is the rclone remote.
	rcloneRegex = regexp.MustCompile(`^rclone:(.+)$`)

	// (s3|b2):[profile|key:secret@][scheme://host[:port]]/bucket/path -
	// the endpoint is optional (AWS default).
	s3Regex = regexp.MustCompile(`^(s3|b2):(?:(?:([^@:]+)|([^:@]+):([^@]+))@)?(?:([^:/]+)://([^:/]+)(?::(\d+))?)?/([^/]+)/(.+)$`)
)

// newBackend parses a storage URL and constructs the matching backend.
func newBackend(storageURL string) (backend.Backend, error) {
	switch {
	case strings.HasPrefix(storageURL, "file:"):
		return newFileBackend(storageURL)
	case strings.HasPrefix(storageURL, "sftp:"):
		return newSftpBackend(storageURL)
	case strings.HasPrefix(storageURL, "rclone:"):
		return newRcloneBackend(storageURL)
	case strings.HasPrefix(storageURL, "s3:"), strings.HasPrefix(storageURL, "b2:"):
		return newS3Backend(storageURL)
	}
	return nil, fmt.Errorf("%w: unknown scheme: %s", ErrInvalidURL, storageURL)
}

func newFileBackend(storageURL string) (backend.Backend, error) {
	if runtime.GOOS == "windows" {
		normalized := strings.ReplaceAll(storageURL, `\`, "/")
		if m := fileWindowsRegex.FindStringSubmatch(normalized); m != nil {
			return posixfs.New(m[1] + m[2])
		}
	}
	if m := fileRegex.FindStringSubmatch(storageURL); m != nil {
		return posixfs.New(m[1])
	}
	return nil, fmt.Errorf("%w: invalid file:// URL: %s", ErrInvalidURL, storageURL)
}

func newSftpBackend(storageURL string) (backend.Backend, error) {
	m := sftpRegex.FindStringSubmatch(storageURL)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid sftp:// URL: %s", ErrInvalidURL, storageURL)
	}
	port := 0
	if m[3] != "" {
		port, _ = strconv.Atoi(m[3])
	}
	// A single leading slash means server-relative (usually below the user's
	// home directory); a double slash means server-absolute.
	path := strings.TrimPrefix(m[4], "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty sftp path: %s", ErrInvalidURL, storageURL)
	}
	return sftp.New(sftp.Config{
		User: m[1],
		Host: m[2],
		Port: port,
		Path: path,
	}), nil
}

func newRcloneBackend(storageURL string) (backend.Backend, error) {
	m := rcloneRegex.FindStringSubmatch(storageURL)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid rclone: URL: %s", ErrInvalidURL, storageURL)
	}
	return rclone.New(m[1]), nil
}

func newS3Backend(storageURL string) (backend.Backend, error) {
	m := s3Regex.FindStringSubmatch(storageURL)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid s3/b2 URL: %s", ErrInvalidURL, storageURL)
	}
	accessKey, err := url.PathUnescape(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad access key encoding: %s", ErrInvalidURL, storageURL)
	}
	secretKey, err := url.PathUnescape(m[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad secret key encoding: %s", ErrInvalidURL, storageURL)
	}
	endpoint := ""
	if m[6] != "" {
		endpoint = m[5] + "://" + m[6]
		if m[7] != "" {
			endpoint += ":" + m[7]
		}
	}
	return s3.New(s3.Config{
		Bucket:    m[8],
		Path:      m[9],
		B2:        m[1] == "b2",
		Profile:   m[2],
		AccessKey: accessKey,
		SecretKey: secretKey,
		Endpoint:  endpoint,
	})
}
