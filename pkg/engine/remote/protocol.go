// Package remote exposes an engine.Engine over a unix socket, so a supervisor
// process can drive the engine loaded into the profiled program.
//
// The protocol is line based. Requests are "<command> [argument]" and
// responses are "ok [value]" or "err <message>".
package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment read by an engine loaded into a supervised program.
const (
	// EnvControl holds the control socket path.
	EnvControl = "PEAKPROF_CONTROL"
	// EnvSession is the output directory the engine tracks into from load.
	EnvSession = "PEAKPROF_SESSION_DIR"
	// EnvSampleInterval enables performance sampling at load, as a
	// duration such as "10ms".
	EnvSampleInterval = "PEAKPROF_SAMPLE_INTERVAL"
)

const (
	cmdReset    = "reset"
	cmdStart    = "start"
	cmdStop     = "stop"
	cmdRegister = "register"
	cmdDump     = "dump"
	cmdSize     = "size"
	cmdPerfOn   = "perf-start"
	cmdPerfOff  = "perf-stop"

	respOK  = "ok"
	respErr = "err"
)

type request struct {
	command string
	arg     string
}

func (r request) String() string {
	if r.arg == "" {
		return r.command + "\n"
	}
	return r.command + " " + r.arg + "\n"
}

func parseRequest(line string) (request, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return request{}, fmt.Errorf("empty request")
	}
	command, arg, _ := strings.Cut(line, " ")
	return request{command: command, arg: arg}, nil
}

func parseUint(arg string) (uint64, error) {
	v, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", arg)
	}
	return v, nil
}

// RemoteError is an error reported by the serving engine.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Command, e.Message)
}

func parseResponse(command, line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	status, value, _ := strings.Cut(line, " ")
	switch status {
	case respOK:
		return value, nil
	case respErr:
		return "", &RemoteError{Command: command, Message: value}
	default:
		return "", fmt.Errorf("unexpected response to %s: %q", command, line)
	}
}
