package shell

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuth                 = errors.New("authentication failed")
	ErrTimeout              = errors.New("connection timed out")
	ErrNetwork              = errors.New("network error")
	ErrShell                = errors.New("shell start failed")
	ErrExec                 = errors.New("command execution failed")
	ErrNotConnected         = errors.New("not connected")
	ErrProtocolNotSupported = errors.New("protocol not supported")
)

type EventType int

const (
	EventConnected EventType = iota
	EventShellReady
	EventOutput
	EventError
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventShellReady:
		return "shell-ready"
	case EventOutput:
		return "output"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is a single occurrence on a live handle. Data is set for output
// events, Message for the rest.
type Event struct {
	Type    EventType
	Data    []byte
	Message string
}

type Size struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

var DefaultSize = Size{Cols: 80, Rows: 24}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Target is a resolved connection endpoint with decrypted credentials.
// It is read once at connect time and never retained by callers.
type Target struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
}

// Handle wraps one live remote-shell connection. A handle is single-use:
// once closed it cannot be reconnected, a new one must be allocated.
//
// Events() yields output chunks and lifecycle events in production order
// until the handle closes; Done() is closed when no further events will
// be produced.
type Handle interface {
	Connect(ctx context.Context, target Target) error
	StartShell(size Size) error
	Write(p []byte)
	Resize(size Size)
	Execute(command string) (*ExecResult, error)
	Close() error
	Events() <-chan Event
	Done() <-chan struct{}
}

// New returns a handle for the given protocol tag. Only SSH is implemented;
// the other tags are recognized so callers get a clean error rather than a
// lookup failure.
func New(protocol string, connectTimeout time.Duration) (Handle, error) {
	switch protocol {
	case "ssh":
		return NewSSHHandle(connectTimeout), nil
	case "telnet", "rdp", "vnc", "sftp":
		return nil, fmt.Errorf("%w: %s", ErrProtocolNotSupported, protocol)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrProtocolNotSupported, protocol)
	}
}
