// Package sftp implements the backend contract on an SFTP server, using
// files in directories below a base path.
//
// Host, user, port and identity files are resolved through the usual ssh
// client configuration (~/.ssh/config, /etc/ssh/ssh_config); explicitly given
// values win. Host keys are verified against the user's known_hosts only -
// there is no auto-accept, make first contact with the ssh/sftp CLI.
package sftp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/aweris/stash/backend"
)

// Config identifies the server and base path. User and Port are optional;
// zero values fall back to the ssh configuration and its defaults. Path is
// server-relative unless it starts with a slash.
type Config struct {
	User string
	Host string
	Port int
	Path string
}

// Sftp stores objects as files below Config.Path on an SFTP server.
type Sftp struct {
	cfg    Config
	conn   *ssh.Client
	client *sftp.Client
	opened bool
}

// New returns an unconnected Sftp backend; connections are made by Open,
// Create and Destroy.
func New(cfg Config) *Sftp {
	return &Sftp{cfg: cfg}
}

// Cfg returns the backend's configuration.
func (b *Sftp) Cfg() Config { return b.cfg }

// hostConfig resolves hostname, user, port and identity files by merging the
// ssh client configuration with the explicitly given values.
func (b *Sftp) hostConfig() (host, user string, port int, identityFiles []string) {
	host = b.cfg.Host
	if resolved := sshconfig.Get(b.cfg.Host, "HostName"); resolved != "" {
		host = resolved
	}
	user = b.cfg.User
	if user == "" {
		user = sshconfig.Get(b.cfg.Host, "User")
	}
	if user == "" {
		if u := os.Getenv("USER"); u != "" {
			user = u
		}
	}
	port = b.cfg.Port
	if port == 0 {
		if p, err := strconv.Atoi(sshconfig.Get(b.cfg.Host, "Port")); err == nil && p != 0 {
			port = p
		}
	}
	if port == 0 {
		port = 22
	}
	identityFiles = sshconfig.GetAll(b.cfg.Host, "IdentityFile")
	return host, user, port, identityFiles
}

func expandUser(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return path.Join(home, p[2:])
		}
	}
	return p
}

func (b *Sftp) authMethods(identityFiles []string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	var signers []ssh.Signer
	for _, file := range identityFiles {
		pem, err := os.ReadFile(expandUser(file))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

func (b *Sftp) connect(ctx context.Context) error {
	host, user, port, identityFiles := b.hostConfig()
	hostKeys, err := knownhosts.New(expandUser("~/.ssh/known_hosts"))
	if err != nil {
		return fmt.Errorf("%w: known_hosts: %v", backend.ErrBackend, err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            b.authMethods(identityFiles),
		HostKeyCallback: hostKeys,
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", backend.ErrBackend, addr, err)
	}
	// Concurrent reads/writes give the same effect as paramiko's
	// prefetch/pipelining: they speed up large transfers significantly.
	client, err := sftp.NewClient(conn,
		sftp.UseConcurrentReads(true),
		sftp.UseConcurrentWrites(true),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: sftp session: %v", backend.ErrBackend, err)
	}
	b.conn = conn
	b.client = client
	return nil
}

func (b *Sftp) disconnect() {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *Sftp) join(name string) (string, error) {
	if err := backend.ValidateName(name); err != nil {
		return "", err
	}
	if name == "" {
		return b.cfg.Path, nil
	}
	return path.Join(b.cfg.Path, name), nil
}

func (b *Sftp) Create(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	if err := b.connect(ctx); err != nil {
		return err
	}
	defer b.disconnect()
	// An existing directory is acceptable, but parent dirs are not created:
	// the account layout on the server is not ours to invent.
	if err := b.client.Mkdir(b.cfg.Path); err != nil {
		if _, statErr := b.client.Stat(b.cfg.Path); statErr != nil {
			return fmt.Errorf("%w: base path's parent directory does not exist: %s", backend.ErrBackend, b.cfg.Path)
		}
	}
	entries, err := b.client.ReadDir(b.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", backend.ErrBackend, b.cfg.Path, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: base path is not empty: %s", backend.ErrBackendExists, b.cfg.Path)
	}
	return nil
}

func (b *Sftp) Destroy(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	if err := b.connect(ctx); err != nil {
		return err
	}
	defer b.disconnect()
	if _, err := b.client.Stat(b.cfg.Path); err != nil {
		return fmt.Errorf("%w: base path does not exist: %s", backend.ErrBackendNotExist, b.cfg.Path)
	}
	if err := b.removeRecursive(b.cfg.Path); err != nil {
		return fmt.Errorf("%w: destroy %s: %v", backend.ErrBackend, b.cfg.Path, err)
	}
	return nil
}

func (b *Sftp) removeRecursive(dir string) error {
	entries, err := b.client.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		child := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := b.removeRecursive(child); err != nil {
				return err
			}
		} else if err := b.client.Remove(child); err != nil {
			return err
		}
	}
	return b.client.RemoveDirectory(dir)
}

func (b *Sftp) Open(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	if err := b.connect(ctx); err != nil {
		return err
	}
	st, err := b.client.Stat(b.cfg.Path)
	if err != nil || !st.IsDir() {
		b.disconnect()
		return fmt.Errorf("%w: base path is not a directory: %s", backend.ErrBackendNotExist, b.cfg.Path)
	}
	b.opened = true
	return nil
}

func (b *Sftp) Close() error {
	b.disconnect()
	b.opened = false
	return nil
}

func (b *Sftp) Mkdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return err
	}
	if err := b.client.MkdirAll(p); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *Sftp) Rmdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return err
	}
	if err := b.client.RemoveDirectory(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return fmt.Errorf("%w: rmdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *Sftp) Info(ctx context.Context, name string) (backend.ItemInfo, error) {
	if !b.opened {
		return backend.ItemInfo{}, backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return backend.ItemInfo{}, err
	}
	leaf := path.Base(p)
	st, err := b.client.Stat(p)
	if err != nil {
		return backend.ItemInfo{Name: leaf}, nil
	}
	return backend.ItemInfo{Name: leaf, Exists: true, Size: st.Size(), Directory: st.IsDir()}, nil
}

func (b *Sftp) Load(ctx context.Context, name string, offset, size int64) ([]byte, error) {
	if !b.opened {
		return nil, backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return nil, err
	}
	f, err := b.client.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: open %s: %v", backend.ErrBackend, name, err)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: seek %s: %v", backend.ErrBackend, name, err)
		}
	}
	var value []byte
	if size < 0 {
		value, err = io.ReadAll(f)
	} else {
		value = make([]byte, size)
		var n int
		n, err = io.ReadFull(f, value)
		value = value[:n]
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", backend.ErrBackend, name, err)
	}
	return value, nil
}

func (b *Sftp) Store(ctx context.Context, name string, value []byte) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return err
	}
	dir := path.Dir(p)
	// Write to a differently named temp file in the same directory first, so
	// readers never see partially written data.
	tmp := path.Join(dir, tmpName())
	f, err := b.client.Create(tmp)
	if errors.Is(err, fs.ErrNotExist) {
		if err := b.client.MkdirAll(dir); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, dir, err)
		}
		f, err = b.client.Create(tmp)
	}
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", backend.ErrBackend, name, err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		b.client.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", backend.ErrBackend, name, err)
	}
	if err := f.Close(); err != nil {
		b.client.Remove(tmp)
		return fmt.Errorf("%w: close %s: %v", backend.ErrBackend, name, err)
	}
	if err := b.client.PosixRename(tmp, p); err != nil {
		b.client.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func tmpName() string {
	var buf [8]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:]) + backend.TmpSuffix
}

func (b *Sftp) Delete(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	p, err := b.join(name)
	if err != nil {
		return err
	}
	if err := b.client.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return fmt.Errorf("%w: delete %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *Sftp) Move(ctx context.Context, currName, newName string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	currPath, err := b.join(currName)
	if err != nil {
		return err
	}
	newPath, err := b.join(newName)
	if err != nil {
		return err
	}
	if _, err := b.client.Stat(newPath); err == nil {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyExists, newName)
	}
	err = b.client.PosixRename(currPath, newPath)
	if errors.Is(err, fs.ErrNotExist) {
		if err := b.client.MkdirAll(path.Dir(newPath)); err != nil {
			return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, newName, err)
		}
		err = b.client.PosixRename(currPath, newPath)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, currName)
		}
		return fmt.Errorf("%w: move %s -> %s: %v", backend.ErrBackend, currName, newName, err)
	}
	return nil
}

func (b *Sftp) List(ctx context.Context, name string) iter.Seq2[backend.ItemInfo, error] {
	return func(yield func(backend.ItemInfo, error) bool) {
		if !b.opened {
			yield(backend.ItemInfo{}, backend.ErrMustBeOpen)
			return
		}
		p, err := b.join(name)
		if err != nil {
			yield(backend.ItemInfo{}, err)
			return
		}
		entries, err := b.client.ReadDir(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: %s", backend.ErrNotFound, name))
			} else {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: list %s: %v", backend.ErrBackend, name, err))
			}
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), backend.TmpSuffix) {
				continue
			}
			info := backend.ItemInfo{
				Name:      entry.Name(),
				Exists:    true,
				Size:      entry.Size(),
				Directory: entry.IsDir(),
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}
