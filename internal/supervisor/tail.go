package supervisor

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// DefaultTailSize is how many characters of combined output are retained.
const DefaultTailSize = 20000

// TailBuffer keeps the most recent output of a flow.
type TailBuffer struct {
	mu   sync.Mutex
	max  int
	text string
}

// NewTailBuffer creates a tail holding at most max characters.
func NewTailBuffer(max int) *TailBuffer {
	if max <= 0 {
		max = DefaultTailSize
	}

	return &TailBuffer{max: max}
}

// Append adds a chunk, dropping the oldest characters beyond the bound.
func (t *TailBuffer) Append(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.text += string(chunk)

	if len(t.text) <= t.max {
		return
	}

	excess := utf8.RuneCountInString(t.text) - t.max
	if excess <= 0 {
		return
	}

	cut := 0
	for i := 0; i < excess; i++ {
		_, size := utf8.DecodeRuneInString(t.text[cut:])
		cut += size
	}

	t.text = t.text[cut:]
}

// String returns the raw tail.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.text
}

// Plain returns the tail with terminal escape sequences removed.
func (t *TailBuffer) Plain() string {
	return ansi.Strip(t.String())
}

// LastLines returns up to n trailing non-blank lines of plain output.
func (t *TailBuffer) LastLines(n int) []string {
	text := strings.ReplaceAll(t.Plain(), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, " \t"))
		}
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return lines
}
