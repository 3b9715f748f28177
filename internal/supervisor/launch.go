package supervisor

import "io"

// launchSpec is everything needed to start a managed process.
type launchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// process is a running PTY-backed child.
type process interface {
	io.ReadWriter
	// Wait blocks until exit and returns the exit code and terminating signal name.
	Wait() (exitCode int, signal string, err error)
	// Kill force-terminates the whole process group.
	Kill() error
	// Close releases the terminal.
	Close() error
	Pid() int
}

type launcher func(spec launchSpec) (process, error)
