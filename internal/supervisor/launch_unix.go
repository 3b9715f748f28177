//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pgid int
}

func startPTY(spec launchSpec) (process, error) {
	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // G204: command line is built from local configuration
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 160})
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("start %s: command not found: %w", spec.Path, err)
		}

		return nil, fmt.Errorf("start %s in pty: %w", spec.Path, err)
	}

	p := &ptyProcess{cmd: cmd, ptmx: ptmx}

	if pgid, pgErr := unix.Getpgid(cmd.Process.Pid); pgErr == nil {
		p.pgid = pgid
	}

	return p, nil
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }
func (p *ptyProcess) Close() error                { return p.ptmx.Close() }

func (p *ptyProcess) Wait() (int, string, error) {
	err := p.cmd.Wait()

	state := p.cmd.ProcessState
	if state == nil {
		return -1, "", err
	}

	signal := ""
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		signal = unix.SignalName(ws.Signal())
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return state.ExitCode(), signal, err
	}

	return state.ExitCode(), signal, nil
}

func (p *ptyProcess) Kill() error {
	if p.pgid > 0 {
		if err := unix.Kill(-p.pgid, unix.SIGKILL); err == nil || errors.Is(err, unix.ESRCH) {
			return nil
		}
	}

	if err := unix.Kill(p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill process %d: %w", p.cmd.Process.Pid, err)
	}

	return nil
}
