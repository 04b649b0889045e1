// Package rclone implements the backend contract on top of anything rclone
// can reach.
//
// Open spawns an "rclone rcd" subprocess listening on a random loopback port
// with one-shot credentials and drives it over the rc HTTP API. The rclone
// binary is taken from the RCLONE_BINARY environment variable (default
// "rclone") and must be v1.57.0 or newer.
package rclone

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net"
	"net/http"
	neturl "net/url"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/aweris/stash/backend"
)

// EnvBinary overrides the rclone executable path.
const EnvBinary = "RCLONE_BINARY"

const (
	host = "127.0.0.1"

	// loadStoreTries: failed load/store calls are transport errors more often
	// than not, try them this many times in all before giving up.
	loadStoreTries = 3
)

// minVersion is the oldest rclone that provides the rc calls we use.
var minVersion = []int{1, 57, 0}

// Rclone drives an rclone rcd subprocess over its rc API.
type Rclone struct {
	fs       string
	bin      string
	user     string
	password string

	cmd    *exec.Cmd
	url    string
	client *http.Client
}

// New returns an unstarted Rclone backend for an "remote:path" target.
func New(fsPath string) *Rclone {
	if !strings.HasSuffix(fsPath, ":") && !strings.HasSuffix(fsPath, "/") {
		fsPath += "/"
	}
	bin := os.Getenv(EnvBinary)
	if bin == "" {
		bin = "rclone"
	}
	return &Rclone{
		fs:       fsPath,
		bin:      bin,
		user:     "stash",
		password: randomToken(),
		client:   &http.Client{},
	}
}

// Fs returns the rclone remote this backend addresses.
func (b *Rclone) Fs() string { return b.fs }

func randomToken() string {
	var buf [32]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// checkVersion probes the binary once via a loopback rc call.
func (b *Rclone) checkVersion(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, b.bin, "rc", "--loopback", "core/version").Output()
	if err != nil {
		return fmt.Errorf("%w: rclone binary not found on the path or not working properly", backend.ErrBackendNotExist)
	}
	var info struct {
		Version    string `json:"version"`
		Decomposed []int  `json:"decomposed"`
	}
	if err := json.Unmarshal(out, &info); err != nil {
		return fmt.Errorf("%w: unexpected rclone version output: %v", backend.ErrBackend, err)
	}
	for i, min := range minVersion {
		v := 0
		if i < len(info.Decomposed) {
			v = info.Decomposed[i]
		}
		if v != min {
			if v < min {
				return fmt.Errorf("%w: rclone version must be at least v1.57.0 - found %s", backend.ErrBackendNotExist, info.Version)
			}
			break
		}
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func portUp(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 50*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (b *Rclone) Open(ctx context.Context) error {
	if b.cmd != nil {
		return backend.ErrMustNotBeOpen
	}
	if err := b.checkVersion(ctx); err != nil {
		return err
	}
	for attempt := 0; attempt < 3; attempt++ {
		port, err := freePort()
		if err != nil {
			return fmt.Errorf("%w: no free port: %v", backend.ErrBackend, err)
		}
		cmd := exec.Command(b.bin,
			"rcd",
			"--rc-user", b.user,
			"--rc-addr", fmt.Sprintf("%s:%d", host, port),
			"--rc-serve",
			"--use-server-modtime",
		)
		// The password goes via the environment so it never shows up in the
		// process list.
		cmd.Env = append(os.Environ(), "RCLONE_RC_PASS="+b.password)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: start rclone: %v", backend.ErrBackend, err)
		}
		up := false
		for deadline := time.Now().Add(10 * time.Second); time.Now().Before(deadline); {
			if err := ctx.Err(); err != nil {
				cmd.Process.Kill()
				cmd.Wait()
				return err
			}
			if portUp(port) {
				up = true
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if !up {
			// Lost the port race or the daemon died; try another port.
			cmd.Process.Kill()
			cmd.Wait()
			continue
		}
		b.cmd = cmd
		b.url = fmt.Sprintf("http://%s:%d/", host, port)
		if _, err := b.rpc(ctx, "rc/noop", map[string]any{"value": "ping"}, 1); err != nil {
			b.Close()
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: could not start rclone rcd", backend.ErrBackend)
}

func (b *Rclone) Close() error {
	if b.cmd == nil {
		return nil
	}
	b.cmd.Process.Kill()
	b.cmd.Wait()
	b.cmd = nil
	b.url = ""
	return nil
}

// do runs an authenticated request, making up to tries attempts while the
// request fails in transport or with status 500: those correspond to backend,
// protocol or network errors. Other error statuses are returned at once.
// rclone retries everything internally except calls that stream data.
func (b *Rclone) do(req func() (*http.Request, error), tries int) (*http.Response, error) {
	if b.cmd == nil || b.url == "" {
		return nil, backend.ErrMustBeOpen
	}
	var lastErr error
	for try := 0; try < tries; try++ {
		r, err := req()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", backend.ErrBackend, err)
		}
		r.SetBasicAuth(b.user, b.password)
		resp, err := b.client.Do(r)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", backend.ErrBackend, err)
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			return resp, nil
		case resp.StatusCode == http.StatusNotFound:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: error %d: %s", backend.ErrNotFound, resp.StatusCode, body)
		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: rclone rc failed: error %d: %s", backend.ErrBackend, resp.StatusCode, body)
			if resp.StatusCode != http.StatusInternalServerError {
				return nil, lastErr
			}
		}
	}
	return nil, lastErr
}

// rpc posts a JSON rc command and decodes the JSON reply.
func (b *Rclone) rpc(ctx context.Context, command string, params map[string]any, tries int) (map[string]json.RawMessage, error) {
	resp, err := b.do(func() (*http.Request, error) {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+command, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, tries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode %s reply: %v", backend.ErrBackend, command, err)
	}
	return result, nil
}

func (b *Rclone) Create(ctx context.Context) error {
	if b.cmd != nil {
		return backend.ErrMustNotBeOpen
	}
	if err := b.Open(ctx); err != nil {
		return err
	}
	defer b.Close()
	empty := true
	for _, err := range b.List(ctx, "") {
		if err == nil {
			empty = false
			break
		}
		if !isNotFound(err) {
			return err
		}
	}
	if !empty {
		return fmt.Errorf("%w: base path exists and is not empty: %s", backend.ErrBackendExists, b.fs)
	}
	return b.Mkdir(ctx, "")
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}

func (b *Rclone) Destroy(ctx context.Context) error {
	if b.cmd != nil {
		return backend.ErrMustNotBeOpen
	}
	if err := b.Open(ctx); err != nil {
		return err
	}
	defer b.Close()
	info, err := b.Info(ctx, "")
	if err != nil {
		return err
	}
	if !info.Exists {
		return fmt.Errorf("%w: base path does not exist: %s", backend.ErrBackendNotExist, b.fs)
	}
	_, err = b.rpc(ctx, "operations/purge", map[string]any{"fs": b.fs, "remote": ""}, 1)
	return err
}

func (b *Rclone) Mkdir(ctx context.Context, name string) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	_, err := b.rpc(ctx, "operations/mkdir", map[string]any{"fs": b.fs, "remote": name}, 1)
	return err
}

func (b *Rclone) Rmdir(ctx context.Context, name string) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	_, err := b.rpc(ctx, "operations/rmdir", map[string]any{"fs": b.fs, "remote": name}, 1)
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
	}
	return err
}

// listItem is the rclone rc representation of one entry.
type listItem struct {
	Name  string `json:"Name"`
	Size  int64  `json:"Size"`
	IsDir bool   `json:"IsDir"`
}

var statOpts = map[string]any{"recurse": false, "noModTime": true, "noMimeType": true}

func (b *Rclone) Info(ctx context.Context, name string) (backend.ItemInfo, error) {
	if err := backend.ValidateName(name); err != nil {
		return backend.ItemInfo{}, err
	}
	result, err := b.rpc(ctx, "operations/stat", map[string]any{"fs": b.fs, "remote": name, "opt": statOpts}, 1)
	if err != nil {
		if isNotFound(err) {
			return backend.ItemInfo{Name: path.Base(name)}, nil
		}
		return backend.ItemInfo{}, err
	}
	var item *listItem
	if raw, ok := result["item"]; ok {
		if err := json.Unmarshal(raw, &item); err != nil {
			return backend.ItemInfo{}, fmt.Errorf("%w: decode stat item: %v", backend.ErrBackend, err)
		}
	}
	if item == nil {
		return backend.ItemInfo{Name: path.Base(name)}, nil
	}
	return backend.ItemInfo{Name: item.Name, Exists: true, Size: item.Size, Directory: item.IsDir}, nil
}

func (b *Rclone) Load(ctx context.Context, name string, offset, size int64) ([]byte, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	resp, err := b.do(func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"["+b.fs+"]/"+name, nil)
		if err != nil {
			return nil, err
		}
		if offset > 0 || size >= 0 {
			if size >= 0 {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
			} else {
				req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
			}
		}
		return req, nil
	}, loadStoreTries)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return nil, err
	}
	defer resp.Body.Close()
	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", backend.ErrBackend, name, err)
	}
	return value, nil
}

func (b *Rclone) Store(ctx context.Context, name string, value []byte) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	resp, err := b.do(func() (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", path.Base(name))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(value); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		target := b.url + "operations/uploadfile?fs=" + neturl.QueryEscape(b.fs) + "&remote=" + neturl.QueryEscape(dirOf(name))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, loadStoreTries)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func dirOf(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return ""
}

func (b *Rclone) Delete(ctx context.Context, name string) error {
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	_, err := b.rpc(ctx, "operations/deletefile", map[string]any{"fs": b.fs, "remote": name}, 1)
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
	}
	return err
}

func (b *Rclone) Move(ctx context.Context, currName, newName string) error {
	if err := backend.ValidateName(currName); err != nil {
		return err
	}
	if err := backend.ValidateName(newName); err != nil {
		return err
	}
	if info, err := b.Info(ctx, newName); err == nil && info.Exists {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyExists, newName)
	}
	_, err := b.rpc(ctx, "operations/movefile", map[string]any{
		"srcFs": b.fs, "srcRemote": currName,
		"dstFs": b.fs, "dstRemote": newName,
	}, 1)
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", backend.ErrNotFound, currName)
	}
	return err
}

func (b *Rclone) List(ctx context.Context, name string) iter.Seq2[backend.ItemInfo, error] {
	return func(yield func(backend.ItemInfo, error) bool) {
		if err := backend.ValidateName(name); err != nil {
			yield(backend.ItemInfo{}, err)
			return
		}
		result, err := b.rpc(ctx, "operations/list", map[string]any{"fs": b.fs, "remote": name, "opt": statOpts}, 1)
		if err != nil {
			if isNotFound(err) {
				err = fmt.Errorf("%w: %s", backend.ErrNotFound, name)
			}
			yield(backend.ItemInfo{}, err)
			return
		}
		var items []listItem
		if raw, ok := result["list"]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: decode list reply: %v", backend.ErrBackend, err))
				return
			}
		}
		for _, item := range items {
			leaf := path.Base(item.Name)
			if strings.HasSuffix(leaf, backend.TmpSuffix) {
				continue
			}
			info := backend.ItemInfo{Name: leaf, Exists: true, Size: item.Size, Directory: item.IsDir}
			if !yield(info, nil) {
				return
			}
		}
	}
}
