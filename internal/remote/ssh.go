package remote

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
	"mvdan.cc/sh/v3/syntax"

	"github.com/felix5572/DeepTI/internal/config"
	"github.com/felix5572/DeepTI/internal/secrets"
)

const dialTimeout = 30 * time.Second

// ErrNoCredentials is returned when neither a key, a password nor a
// terminal to prompt on is available.
var ErrNoCredentials = errors.New("no ssh credentials")

// Shell is the remote command and file transfer surface the Slurm backend
// needs. SSHSession implements it.
type Shell interface {
	Run(ctx context.Context, cmd string) (string, error)
	Upload(ctx context.Context, remoteRoot, localRoot string, files []string) error
	Download(ctx context.Context, remoteRoot, localRoot string, patterns []string) error
}

// SSHSession is an explicit handle on one SSH connection to the compute
// resource. It reconnects once when the connection has dropped.
type SSHSession struct {
	addr string
	cfg  *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHSession dials the machine described by spec. Encrypted passwords
// are revealed with the age key at keyPath.
func NewSSHSession(spec config.MachineSpec, keyPath string) (*SSHSession, error) {
	auth, err := authMethods(spec, keyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback()
	if err != nil {
		return nil, err
	}

	s := &SSHSession{
		addr: net.JoinHostPort(spec.Hostname, strconv.Itoa(spec.Port)),
		cfg: &ssh.ClientConfig{
			User:            spec.Username,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         dialTimeout,
		},
	}
	if _, err := s.connect(false); err != nil {
		return nil, err
	}
	return s, nil
}

func authMethods(spec config.MachineSpec, keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if spec.KeyFile != "" {
		pem, err := os.ReadFile(spec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if spec.Password != "" {
		password, err := secrets.Reveal(spec.Password, keyPath)
		if err != nil {
			return nil, fmt.Errorf("ssh password: %w", err)
		}
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%w for %s@%s", ErrNoCredentials, spec.Username, spec.Hostname)
	}
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", spec.Username, spec.Hostname)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return []ssh.AuthMethod{ssh.Password(string(pw))}, nil
}

// hostKeyCallback verifies against ~/.ssh/known_hosts when it exists.
func hostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if _, err := os.Stat(path); err == nil {
			cb, err := knownhosts.New(path)
			if err != nil {
				return nil, fmt.Errorf("load known_hosts: %w", err)
			}
			return cb, nil
		}
	}
	slog.Warn("no known_hosts file, host keys are not verified")
	return ssh.InsecureIgnoreHostKey(), nil
}

func (s *SSHSession) connect(force bool) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && !force {
		return s.client, nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	client, err := ssh.Dial("tcp", s.addr, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", s.addr, err)
	}
	slog.Debug("ssh connected", "addr", s.addr)
	s.client = client
	return client, nil
}

// newSession opens a channel, redialing once if the connection is gone.
func (s *SSHSession) newSession() (*ssh.Session, error) {
	client, err := s.connect(false)
	if err != nil {
		return nil, err
	}
	sess, err := client.NewSession()
	if err == nil {
		return sess, nil
	}
	slog.Debug("ssh session failed, reconnecting", "addr", s.addr, "error", err)
	client, err = s.connect(true)
	if err != nil {
		return nil, err
	}
	sess, err = client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}
	return sess, nil
}

// exec runs cmd on a fresh session, closing it when ctx is cancelled.
func (s *SSHSession) exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) error {
	sess, err := s.newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdin = stdin
	sess.Stdout = stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("remote %q: %w: %s", cmd, err, strings.TrimSpace(stderr.String()))
		}
		return nil
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}
}

// Run executes cmd remotely and returns its standard output.
func (s *SSHSession) Run(ctx context.Context, cmd string) (string, error) {
	var out bytes.Buffer
	if err := s.exec(ctx, cmd, nil, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

// Upload streams files (relative to localRoot) into remoteRoot as a tar
// archive. Links are followed.
func (s *SSHSession) Upload(ctx context.Context, remoteRoot, localRoot string, files []string) error {
	root, err := quote(remoteRoot)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(pw, localRoot, files))
	}()
	defer pr.Close()
	return s.exec(ctx, fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", root, root), pr, nil)
}

// Download fetches files matching patterns (relative to remoteRoot) into
// localRoot. Archive entries not matching any pattern are rejected.
func (s *SSHSession) Download(ctx context.Context, remoteRoot, localRoot string, patterns []string) error {
	root, err := quote(remoteRoot)
	if err != nil {
		return err
	}
	args := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if isGlob(p) {
			// left unquoted for the remote shell to expand
			args = append(args, p)
			continue
		}
		q, err := quote(p)
		if err != nil {
			return err
		}
		args = append(args, q)
	}

	pr, pw := io.Pipe()
	extracted := make(chan error, 1)
	go func() {
		err := readTar(pr, localRoot, patterns)
		pr.CloseWithError(err)
		extracted <- err
	}()
	runErr := s.exec(ctx, fmt.Sprintf("cd %s && tar -cf - %s", root, strings.Join(args, " ")), nil, pw)
	pw.CloseWithError(runErr)
	if err := <-extracted; err != nil {
		return err
	}
	return runErr
}

// Close closes the underlying connection.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("quote %q: %w", s, err)
	}
	return q, nil
}

func writeTar(w io.Writer, localRoot string, files []string) error {
	tw := tar.NewWriter(w)
	for _, name := range files {
		if err := addTarFile(tw, localRoot, name); err != nil {
			return err
		}
	}
	return tw.Close()
}

func addTarFile(tw *tar.Writer, localRoot, name string) error {
	f, err := os.Open(filepath.Join(localRoot, name))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func readTar(r io.Reader, localRoot string, patterns []string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}
		name := path.Clean(hdr.Name)
		if !allowedEntry(name, patterns) {
			return fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
		dst := filepath.Join(localRoot, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}

func allowedEntry(name string, patterns []string) bool {
	if strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return false
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(filepath.ToSlash(p), name); ok {
			return true
		}
	}
	return false
}
