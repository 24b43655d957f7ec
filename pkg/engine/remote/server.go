package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/engine/tracker"
)

// Server serves an engine on a unix socket.
type Server struct {
	engine     engine.Engine
	logger     *logrus.Logger
	listener   net.Listener
	socketPath string
	wg         sync.WaitGroup

	// mu serializes engine commands and guards the session state below.
	mu       sync.Mutex
	path     string
	tracking bool
	sampling bool
}

func newServer(eng engine.Engine, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Server{engine: eng, logger: logger}
}

// Listen creates the control socket. A stale socket at path is replaced.
func Listen(path string, eng engine.Engine, logger *logrus.Logger) (*Server, error) {
	s := newServer(eng, logger)
	if err := s.listen(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Load starts a session in a supervised program: the engine tracks into the
// directory named by EnvSession before the socket named by EnvControl is
// served, so nothing the program allocates early is missed. The program
// calls Exit before it terminates.
func Load(ctx context.Context, eng engine.Engine, logger *logrus.Logger) (*Server, error) {
	sock, dir := os.Getenv(EnvControl), os.Getenv(EnvSession)
	if sock == "" || dir == "" {
		return nil, fmt.Errorf("%s and %s must be set: %w", EnvControl, EnvSession, engine.ErrEngineUnavailable)
	}
	var interval time.Duration
	if v := os.Getenv(EnvSampleInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvSampleInterval, err)
		}
		interval = d
	}

	s := newServer(eng, logger)
	if _, err := s.exec(request{command: cmdReset, arg: dir}); err != nil {
		return nil, fmt.Errorf("cannot reset engine: %w", err)
	}
	if _, err := s.exec(request{command: cmdStart}); err != nil {
		return nil, fmt.Errorf("cannot start tracking: %w", err)
	}
	if interval > 0 {
		if _, err := s.exec(request{command: cmdPerfOn, arg: strconv.FormatInt(int64(interval), 10)}); err != nil {
			s.exec(request{command: cmdStop})
			return nil, fmt.Errorf("cannot start performance sampling: %w", err)
		}
	}
	if err := s.listen(sock); err != nil {
		s.exec(request{command: cmdStop})
		return nil, err
	}

	go func() {
		if err := s.Serve(ctx); err != nil {
			s.logger.WithError(err).Debug("Engine control socket stopped")
		}
	}()
	s.logger.WithField("path", dir).Debug("Engine tracking from load")
	return s, nil
}

// LoadTracker is Load with a tracker built from tracker.DefaultOptions, for
// Go programs that embed the engine.
func LoadTracker(ctx context.Context, logger *logrus.Logger) (*Server, *tracker.Tracker, error) {
	opts := tracker.DefaultOptions()
	opts.Logger = logger
	tr := tracker.New(opts)
	srv, err := Load(ctx, tr, logger)
	if err != nil {
		return nil, nil, err
	}
	return srv, tr, nil
}

// Exit finishes a session begun by Load. If nobody stopped it over the
// socket, tracking stops and the peak is dumped into the session directory.
// The socket is closed in every case.
func (s *Server) Exit() error {
	s.mu.Lock()
	path, tracking, sampling := s.path, s.tracking, s.sampling
	s.mu.Unlock()

	var result *multierror.Error
	if tracking {
		if _, err := s.exec(request{command: cmdStop}); err != nil {
			result = multierror.Append(result, fmt.Errorf("cannot stop tracking: %w", err))
		}
		if sampling {
			if _, err := s.exec(request{command: cmdPerfOff, arg: path}); err != nil {
				result = multierror.Append(result, fmt.Errorf("cannot dump performance: %w", err))
			}
		}
		if _, err := s.exec(request{command: cmdDump, arg: path}); err != nil {
			result = multierror.Append(result, fmt.Errorf("cannot dump peak memory: %w", err))
		}
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) listen(path string) error {
	if path == "" {
		return fmt.Errorf("empty socket path")
	}
	if info, err := os.Stat(path); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("cannot reuse %s: path exists and is not a unix socket", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("cannot remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return fmt.Errorf("cannot restrict socket permissions: %w", err)
	}

	s.logger.WithField("socket", path).Debug("Engine control socket listening")
	s.listener = l
	s.socketPath = path
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.socketPath
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("cannot accept control connection: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops listening and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		s.logger.WithError(rmErr).Debug("Cannot remove socket file")
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		value, err := s.dispatch(line)
		resp := respOK
		if value != "" {
			resp += " " + value
		}
		if err != nil {
			// Keep the response on one line.
			resp = respErr + " " + strings.ReplaceAll(err.Error(), "\n", " ")
			s.logger.WithError(err).Debug("Engine command failed")
		}
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string) (string, error) {
	req, err := parseRequest(line)
	if err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{"command": req.command, "arg": req.arg}).Debug("Engine command")
	return s.exec(req)
}

// exec runs req on the engine and records its effect on the session.
func (s *Server) exec(req request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := s.run(req)
	if err == nil {
		s.note(req)
	}
	return value, err
}

func (s *Server) note(req request) {
	switch req.command {
	case cmdReset:
		s.path = req.arg
	case cmdStart:
		s.tracking = true
	case cmdStop:
		s.tracking = false
	case cmdPerfOn:
		s.sampling = true
	case cmdPerfOff:
		s.sampling = false
	}
}

func (s *Server) run(req request) (string, error) {
	switch req.command {
	case cmdReset:
		return "", s.engine.Reset(req.arg)
	case cmdStart:
		return "", s.engine.StartTracking()
	case cmdStop:
		return "", s.engine.StopTracking()
	case cmdRegister:
		tid, err := parseUint(req.arg)
		if err != nil {
			return "", err
		}
		return "", s.engine.RegisterTracer(engine.ThreadID(tid))
	case cmdDump:
		return "", s.engine.DumpPeakToFlamegraph(req.arg)
	case cmdSize:
		addr, err := parseUint(req.arg)
		if err != nil {
			return "", err
		}
		size, err := s.engine.AllocationSize(uintptr(addr))
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(size, 10), nil
	case cmdPerfOn, cmdPerfOff:
		perf, ok := s.engine.(engine.PerformanceTracker)
		if !ok {
			return "", fmt.Errorf("performance sampling not supported")
		}
		if req.command == cmdPerfOff {
			return "", perf.StopPerformance(req.arg)
		}
		ns, err := parseUint(req.arg)
		if err != nil {
			return "", err
		}
		return "", perf.StartPerformance(time.Duration(ns))
	default:
		return "", fmt.Errorf("unknown command %q", req.command)
	}
}
