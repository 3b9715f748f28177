package supervisor

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Port polling defaults.
const (
	DefaultPortPollInterval = 200 * time.Millisecond
	DefaultPortWaitTimeout  = 5 * time.Second
)

// PortFree reports whether port can be bound on the loopback interface.
func PortFree(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}

	_ = ln.Close()

	return true
}

// WaitForPortFree polls until port is free. It returns false when timeout
// elapses or ctx ends first.
func WaitForPortFree(ctx context.Context, port int, interval, timeout time.Duration) bool {
	if port <= 0 {
		return true
	}

	if interval <= 0 {
		interval = DefaultPortPollInterval
	}

	if timeout <= 0 {
		timeout = DefaultPortWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if PortFree(port) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return PortFree(port)
		case <-ticker.C:
		}
	}
}
