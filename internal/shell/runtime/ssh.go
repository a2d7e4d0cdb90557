package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// SSH Runner
// =============================================================================

// SSHConfig configures a remote engine connection.
type SSHConfig struct {
	Host string
	Port int // Default: 22
	User string

	// PrivateKey is the PEM-encoded SSH private key.
	PrivateKey []byte

	// ConnectTimeout bounds the TCP and SSH handshake. Default: 10 seconds.
	ConnectTimeout time.Duration
}

// SSHRunner executes engine commands on a remote host over SSH, so a project
// can be driven against an engine running elsewhere.
type SSHRunner struct {
	config SSHConfig
	signer ssh.Signer

	mu     sync.Mutex // Protects client
	client *ssh.Client
}

// NewSSHRunner creates a runner for the given remote host. The connection is
// established lazily on first use.
func NewSSHRunner(config SSHConfig) (*SSHRunner, error) {
	signer, err := ssh.ParsePrivateKey(config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse SSH private key: %w", err)
	}
	if config.Port == 0 {
		config.Port = 22
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	return &SSHRunner{config: config, signer: signer}, nil
}

// connect establishes the SSH connection if not already connected.
func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		_, _, err := r.client.SendRequest("keepalive@podstack", true, nil)
		if err == nil {
			return r.client, nil
		}
		r.client.Close()
		r.client = nil
	}

	config := &ssh.ClientConfig{
		User:            r.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: verify against a known_hosts file
		Timeout:         r.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(r.config.Host, strconv.Itoa(r.config.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	r.client = client
	return client, nil
}

// Close closes the SSH connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(commandLine(name, args)) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, &commandError{stderr: strings.TrimSpace(stderr.String()), err: err}
		}
		return stdout.Bytes(), nil
	}
}

func (r *SSHRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(commandLine(name, args)); err != nil {
		session.Close()
		return nil, err
	}

	go func() {
		<-ctx.Done()
		session.Signal(ssh.SIGKILL)
		session.Close()
	}()

	return &sessionStream{Reader: stdout, session: session}, nil
}

// sessionStream closes the SSH session together with the stream.
type sessionStream struct {
	io.Reader
	session *ssh.Session
}

func (s *sessionStream) Close() error {
	return s.session.Close()
}

// commandLine renders a command for the remote shell with each argument
// single quoted.
func commandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
