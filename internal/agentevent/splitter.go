package agentevent

import (
	"bytes"

	"github.com/charmbracelet/x/ansi"
)

// maxPartialLine caps how much of an unterminated line is buffered.
const maxPartialLine = 1 << 20

// LineSplitter reassembles PTY output chunks into complete lines with
// carriage returns and terminal escape sequences removed.
type LineSplitter struct {
	buf []byte
}

// Write appends a chunk and returns every line it completed.
func (s *LineSplitter) Write(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var lines [][]byte

	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}

		if line := clean(s.buf[:idx]); len(line) > 0 {
			lines = append(lines, line)
		}

		s.buf = s.buf[idx+1:]
	}

	if len(s.buf) > maxPartialLine {
		s.buf = s.buf[len(s.buf)-maxPartialLine:]
	}

	return lines
}

// Flush returns any buffered partial line and clears the buffer.
func (s *LineSplitter) Flush() []byte {
	line := clean(s.buf)
	s.buf = nil

	if len(line) == 0 {
		return nil
	}

	return line
}

func clean(b []byte) []byte {
	stripped := ansi.Strip(string(b))
	out := bytes.TrimSpace(bytes.ReplaceAll([]byte(stripped), []byte("\r"), nil))

	return out
}
