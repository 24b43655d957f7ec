package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/danpilch/peakprof/pkg/engine"
)

// DialOptions configures how a client waits for the engine to come up.
type DialOptions struct {
	Attempts uint
	Delay    time.Duration
}

// DefaultDialOptions waits up to about ten seconds for the socket.
func DefaultDialOptions() DialOptions {
	return DialOptions{Attempts: 100, Delay: 100 * time.Millisecond}
}

// Client drives a remote engine. It is safe for concurrent use; commands are
// serialized on one connection.
type Client struct {
	path string
	opts DialOptions

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	gone bool
}

var (
	_ engine.Engine             = (*Client)(nil)
	_ engine.PerformanceTracker = (*Client)(nil)
)

// NewClient returns a client for the engine socket at path. Commands fail
// with engine.ErrEngineUnavailable until Connect succeeds.
func NewClient(path string, opts DialOptions) *Client {
	return &Client{path: path, opts: opts}
}

// Dial connects to the engine socket at path, retrying while the profiled
// program starts up.
func Dial(path string, opts DialOptions) (*Client, error) {
	c := NewClient(path, opts)
	if err := c.Connect(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the socket, retrying until it appears, ctx is done or the
// client is closed.
func (c *Client) Connect(ctx context.Context) error {
	var conn net.Conn
	err := retry.Do(func() error {
		var err error
		conn, err = (&net.Dialer{}).DialContext(ctx, "unix", c.path)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(c.opts.Attempts),
		retry.Delay(c.opts.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("cannot connect to engine at %s: %v: %w", c.path, err, engine.ErrEngineUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		conn.Close()
		return engine.ErrEngineGone
	}
	c.conn = conn
	c.r = bufio.NewReader(conn)
	return nil
}

// DialEnv connects to the socket named by EnvControl.
func DialEnv(opts DialOptions) (*Client, error) {
	path := os.Getenv(EnvControl)
	if path == "" {
		return nil, fmt.Errorf("%s is not set: %w", EnvControl, engine.ErrEngineUnavailable)
	}
	return Dial(path, opts)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(req request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return "", engine.ErrEngineGone
	}
	if c.conn == nil {
		return "", fmt.Errorf("engine %s: not connected: %w", req.command, engine.ErrEngineUnavailable)
	}
	if _, err := io.WriteString(c.conn, req.String()); err != nil {
		return "", c.lost(req, err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", c.lost(req, err)
	}
	return parseResponse(req.command, line)
}

func (c *Client) lost(req request, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		c.gone = true
		c.conn.Close()
		return fmt.Errorf("engine %s: %w", req.command, engine.ErrEngineGone)
	}
	return fmt.Errorf("engine %s: %w", req.command, err)
}

func (c *Client) Reset(path string) error {
	_, err := c.call(request{command: cmdReset, arg: path})
	return err
}

func (c *Client) StartTracking() error {
	_, err := c.call(request{command: cmdStart})
	return err
}

func (c *Client) StopTracking() error {
	_, err := c.call(request{command: cmdStop})
	return err
}

func (c *Client) RegisterTracer(tid engine.ThreadID) error {
	_, err := c.call(request{command: cmdRegister, arg: strconv.FormatUint(uint64(tid), 10)})
	return err
}

func (c *Client) DumpPeakToFlamegraph(path string) error {
	_, err := c.call(request{command: cmdDump, arg: path})
	return err
}

func (c *Client) AllocationSize(address uintptr) (uint64, error) {
	v, err := c.call(request{command: cmdSize, arg: strconv.FormatUint(uint64(address), 10)})
	if err != nil {
		return 0, err
	}
	return parseUint(v)
}

func (c *Client) StartPerformance(interval time.Duration) error {
	_, err := c.call(request{command: cmdPerfOn, arg: strconv.FormatInt(int64(interval), 10)})
	return err
}

func (c *Client) StopPerformance(path string) error {
	_, err := c.call(request{command: cmdPerfOff, arg: path})
	return err
}
