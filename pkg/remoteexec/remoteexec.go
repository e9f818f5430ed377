// Package remoteexec runs shell commands on a remote host over one long-lived
// SSH connection. Every command gets its own channel; its stdout and stderr are
// read to the end concurrently before the exit status is collected.
package remoteexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 22

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("session closed")

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Session runs commands on one remote host.
type Session interface {
	// Run executes command through the remote user's shell. A non-zero exit
	// status is reported in Result, not as an error. The error is reserved for
	// failures to run the command or to learn its exit status.
	Run(ctx context.Context, command string, stdin io.Reader) (Result, error)
	Close() error
}

// Config describes how to reach and authenticate against the remote host.
type Config struct {
	Host string
	Port int
	User string

	// IdentityFile is an unencrypted private key. Encrypted keys have to be
	// loaded into an ssh-agent instead.
	IdentityFile string
	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile string
	// UseAgent enables authentication via the agent at $SSH_AUTH_SOCK.
	UseAgent bool
	Timeout  time.Duration

	Logger *slog.Logger
}

// Dialer opens a Session for cfg. Transport openers take one so tests can swap
// the network for a local fake.
type Dialer func(ctx context.Context, cfg Config) (Session, error)

// Address returns host:port of the SSH server.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// RsyncShell returns the remote shell command rsync should use (its -e option)
// so that rsync reaches the host with the same port, key and host key policy.
func (c Config) RsyncShell() string {
	parts := []string{"ssh"}
	if c.Port != 0 && c.Port != DefaultPort {
		parts = append(parts, "-p", strconv.Itoa(c.Port))
	}
	if c.IdentityFile != "" {
		parts = append(parts, "-i", shellWord(c.IdentityFile))
	}
	if c.KnownHostsFile != "" {
		parts = append(parts, "-o", shellWord("UserKnownHostsFile="+c.KnownHostsFile))
	}
	parts = append(parts, "-o", "BatchMode=yes")
	return strings.Join(parts, " ")
}

// shellWord quotes s for rsync's -e parser, which splits on whitespace and
// honours double quotes.
func shellWord(s string) string {
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// SSHSession is a Session backed by golang.org/x/crypto/ssh.
type SSHSession struct {
	client *ssh.Client
	agent  net.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Dial connects and authenticates to cfg.Host.
func Dial(ctx context.Context, cfg Config) (*SSHSession, error) {
	logger := plog.OrDefault(cfg.Logger)

	if cfg.User == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("could not determine local user name: %w", err)
		}
		cfg.User = u.Username
	}

	hostKeys, err := hostKeyCallback(cfg.KnownHostsFile)
	if err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	var agentConn net.Conn
	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Warn("Could not connect to ssh-agent", "socket", sock, "error", err)
			} else {
				agentConn = conn
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}
	if cfg.IdentityFile != "" {
		signer, err := loadSigner(cfg.IdentityFile)
		if err != nil {
			closeQuietly(agentConn)
			return nil, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh authentication method available: set an identity file or run an ssh-agent")
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
	}

	addr := cfg.Address()
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeQuietly(agentConn)
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}

	// The handshake has no context parameter; a deadline stands in for it.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	stop()
	if err != nil {
		conn.Close()
		closeQuietly(agentConn)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("SSH session established", "address", addr, "user", cfg.User)
	return &SSHSession{
		client: ssh.NewClient(c, chans, reqs),
		agent:  agentConn,
		logger: logger,
	}, nil
}

func hostKeyCallback(file string) (ssh.HostKeyCallback, error) {
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("could not locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	file, err := util.ExpandPath(file)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("could not load known hosts from %s: %w", file, err)
	}
	return cb, nil
}

func loadSigner(file string) (ssh.Signer, error) {
	file, err := util.ExpandPath(file)
	if err != nil {
		return nil, err
	}
	pemBytes, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("could not read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("identity file %s is encrypted, add it to ssh-agent instead", file)
		}
		return nil, fmt.Errorf("could not parse identity file %s: %w", file, err)
	}
	return signer, nil
}

// DialSSH is the Dialer backed by Dial.
func DialSSH(ctx context.Context, cfg Config) (Session, error) {
	s, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run executes command on a fresh channel of the shared connection.
func (s *SSHSession) Run(ctx context.Context, command string, stdin io.Reader) (Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("could not open ssh channel: %w", err)
	}
	defer sess.Close()

	if stdin != nil {
		sess.Stdin = stdin
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return Result{}, err
	}

	s.logger.Debug("Running remote command", "command", command)
	if err := sess.Start(command); err != nil {
		return Result{}, fmt.Errorf("could not start remote command: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
	})
	defer stop()

	res, err := Drain(stdout, stderr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}
		return res, err
	}

	waitErr := sess.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	res.ExitCode, err = exitCode(waitErr)
	return res, err
}

// exitCode turns the result of ssh.Session.Wait into an exit status.
func exitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(waitErr, &missing) {
		return -1, errors.New("remote command ended without reporting an exit status")
	}
	return -1, fmt.Errorf("remote command failed: %w", waitErr)
}

// Drain reads stdout and stderr to EOF at the same time. Reading one stream
// to the end before touching the other can deadlock once the remote side
// fills the window of the unread stream.
func Drain(stdout, stderr io.Reader) (Result, error) {
	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&outBuf, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})
	err := g.Wait()
	return Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}, err
}

// Close tears down the connection. Calling it more than once is harmless.
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	closeQuietly(s.agent)
	return s.client.Close()
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
