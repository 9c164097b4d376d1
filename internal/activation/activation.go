// Package activation picks up listening sockets passed by systemd socket
// activation (sd_listen_fds protocol).
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr)
var firstFD = 3

// env holds the parsed socket activation environment
type env struct {
	count int
	names []string
}

// parseEnv reads LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. It returns a
// zero env when activation is absent or addressed to another process.
func parseEnv(getenv func(string) string, pid int) (env, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return env{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return env{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return env{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return env{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return env{}, nil
	}

	var names []string
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
		if len(names) != count {
			return env{}, fmt.Errorf("LISTEN_FDNAMES has %d entries, LISTEN_FDS is %d", len(names), count)
		}
	}
	return env{count: count, names: names}, nil
}

// selected reports whether descriptor i should be used for name
func (e env) selected(i int, name string) bool {
	if name == "" || e.names == nil {
		return true
	}
	return e.names[i] == name
}

// Listeners returns the systemd-activated listeners. When name is non-empty
// only sockets whose FileDescriptorName matches are returned; the others are
// closed. Returns nil if no socket activation is detected for this process.
func Listeners(name string) ([]net.Listener, error) {
	e, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if e.count == 0 {
		return nil, nil
	}

	// Unset the environment variables so child processes don't inherit them
	defer func() {
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
	}()

	var listeners []net.Listener
	for i := 0; i < e.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		if !e.selected(i, name) {
			_ = file.Close()
			continue
		}

		listener, err := net.FileListener(file)
		// the listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	if len(listeners) == 0 {
		return nil, fmt.Errorf("no activated socket named %q", name)
	}
	return listeners, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
