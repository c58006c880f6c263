package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const keepAliveInterval = 30 * time.Second

// SSHHandle implements Handle over golang.org/x/crypto/ssh.
type SSHHandle struct {
	connectTimeout time.Duration

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	client     *ssh.Client
	sess       *ssh.Session
	stdin      io.WriteCloser
	shellReady bool
}

func NewSSHHandle(connectTimeout time.Duration) *SSHHandle {
	return &SSHHandle{
		connectTimeout: connectTimeout,
		events:         make(chan Event, 256),
		done:           make(chan struct{}),
	}
}

func (h *SSHHandle) Events() <-chan Event { return h.events }
func (h *SSHHandle) Done() <-chan struct{} { return h.done }

func (h *SSHHandle) Connect(ctx context.Context, target Target) error {
	var authMethods []ssh.AuthMethod

	if target.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKey))
		if err != nil {
			return fmt.Errorf("%w: failed to parse private key: %v", ErrAuth, err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		authMethods = append(authMethods, ssh.Password(target.Password))
	}
	if len(authMethods) == 0 {
		return fmt.Errorf("%w: no password or private key provided", ErrAuth)
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         h.connectTimeout,
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))

	dialer := net.Dialer{Timeout: h.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return fmt.Errorf("%w: handshake with %s failed: %v", ErrNetwork, addr, err)
	}

	h.mu.Lock()
	h.client = ssh.NewClient(sshConn, chans, reqs)
	h.mu.Unlock()

	go h.keepAlive()

	slog.Info("SSH connection established", "host", addr, "user", target.Username)
	h.emit(Event{Type: EventConnected, Message: "connected to " + addr})
	return nil
}

func classifyDialError(addr string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
	}
	return fmt.Errorf("%w: dial %s: %v", ErrNetwork, addr, err)
}

func (h *SSHHandle) StartShell(size Size) error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShell, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if size.Cols <= 0 || size.Rows <= 0 {
		size = DefaultSize
	}

	if err := sess.RequestPty("xterm-256color", size.Rows, size.Cols, modes); err != nil {
		sess.Close()
		return fmt.Errorf("%w: pty request: %v", ErrShell, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("%w: stdin pipe: %v", ErrShell, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("%w: stdout pipe: %v", ErrShell, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return fmt.Errorf("%w: stderr pipe: %v", ErrShell, err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return fmt.Errorf("%w: %v", ErrShell, err)
	}

	h.mu.Lock()
	h.sess = sess
	h.stdin = stdin
	h.shellReady = true
	h.mu.Unlock()

	// stdout ending means the remote shell is gone; stderr is best-effort.
	go h.pump(stdout, true)
	go h.pump(stderr, false)

	h.emit(Event{Type: EventShellReady, Message: "shell ready"})
	return nil
}

func (h *SSHHandle) pump(r io.Reader, primary bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.emit(Event{Type: EventOutput, Data: chunk})
		}
		if err != nil {
			if primary {
				h.shutdown("shell closed")
			}
			return
		}
	}
}

// Write sends raw bytes to the remote shell's stdin. Failures never reach
// the caller directly; a broken stream surfaces as an error event.
func (h *SSHHandle) Write(p []byte) {
	h.mu.Lock()
	stdin := h.stdin
	ready := h.shellReady
	h.mu.Unlock()

	if !ready || stdin == nil {
		return
	}
	if _, err := stdin.Write(p); err != nil {
		h.emit(Event{Type: EventError, Message: "write failed: " + err.Error()})
	}
}

func (h *SSHHandle) Resize(size Size) {
	h.mu.Lock()
	sess := h.sess
	ready := h.shellReady
	h.mu.Unlock()

	if !ready || sess == nil {
		return
	}
	if err := sess.WindowChange(size.Rows, size.Cols); err != nil {
		h.emit(Event{Type: EventError, Message: "resize failed: " + err.Error()})
	}
}

// Execute runs a one-shot command on its own SSH channel, independent of
// the interactive shell.
func (h *SSHHandle) Execute(command string) (*ExecResult, error) {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExec, err)
	}
	defer sess.Close()

	var stdout, stderr strings.Builder
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	exitCode := 0
	if err := sess.Run(command); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return nil, fmt.Errorf("%w: %v", ErrExec, err)
		}
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// Close is idempotent; later calls are no-ops.
func (h *SSHHandle) Close() error {
	h.shutdown("connection closed")
	return nil
}

func (h *SSHHandle) shutdown(msg string) {
	h.once.Do(func() {
		h.mu.Lock()
		if h.sess != nil {
			h.sess.Close()
			h.sess = nil
		}
		if h.client != nil {
			h.client.Close()
			h.client = nil
		}
		h.shellReady = false
		h.mu.Unlock()

		// Buffered send so shutdown never blocks; if the buffer is full the
		// closed Done channel still signals termination.
		select {
		case h.events <- Event{Type: EventClosed, Message: msg}:
		default:
		}
		close(h.done)
	})
}

func (h *SSHHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *SSHHandle) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			client := h.client
			h.mu.Unlock()
			if client == nil {
				return
			}
			if _, _, err := client.SendRequest("keepalive@shellgate", true, nil); err != nil {
				slog.Debug("SSH keepalive failed, connection dead")
				h.shutdown("connection lost")
				return
			}
		case <-h.done:
			return
		}
	}
}
