// Package testutil provides golden-file helpers for tether tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
)

// update rewrites golden files instead of comparing: go test ./... -update
var update = flag.Bool("update", false, "update golden files")

// Scrub replaces a volatile substring (a temp dir, a port) before comparison.
type Scrub struct {
	Old, New string
}

// AssertGolden compares got against testdata/<goldenFile>. Escape sequences
// and carriage returns are removed first so colored output compares stably.
func AssertGolden(t testing.TB, got, goldenFile string, scrubs ...Scrub) {
	t.Helper()

	got = Normalize(got, scrubs...)
	goldenPath := GoldenPath(goldenFile)

	if *update {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
			t.Fatalf("failed to create testdata directory: %v", err)
		}

		if err := os.WriteFile(goldenPath, []byte(got), 0o644); err != nil {
			t.Fatalf("failed to update golden file %s: %v", goldenPath, err)
		}

		t.Logf("updated golden file: %s", goldenPath)

		return
	}

	want, err := os.ReadFile(goldenPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Fatalf("golden file %s does not exist; run with -update to create it", goldenPath)
		}

		t.Fatalf("failed to read golden file %s: %v", goldenPath, err)
	}

	if got != string(want) {
		t.Errorf("output mismatch for %s\n\ngot:\n%s\n\nwant:\n%s\n\nrun with -update to refresh golden files", goldenPath, got, string(want))
	}
}

// AssertGoldenJSON re-indents got before comparing so key spacing does not matter.
func AssertGoldenJSON(t testing.TB, got []byte, goldenFile string, scrubs ...Scrub) {
	t.Helper()

	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(got), "", "  "); err != nil {
		t.Fatalf("invalid JSON for %s: %v\n%s", goldenFile, err, got)
	}

	buf.WriteByte('\n')
	AssertGolden(t, buf.String(), goldenFile, scrubs...)
}

// Normalize strips escape sequences and carriage returns, then applies scrubs.
func Normalize(s string, scrubs ...Scrub) string {
	s = strings.ReplaceAll(ansi.Strip(s), "\r", "")

	for _, sc := range scrubs {
		if sc.Old != "" {
			s = strings.ReplaceAll(s, sc.Old, sc.New)
		}
	}

	return s
}

// GoldenPath returns the full path to a golden file in testdata.
func GoldenPath(filename string) string {
	return filepath.Join("testdata", filename)
}

// ReadGolden reads a golden file and returns its contents.
// Returns empty string if the file doesn't exist.
func ReadGolden(t testing.TB, goldenFile string) string {
	t.Helper()

	data, err := os.ReadFile(GoldenPath(goldenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}

		t.Fatalf("failed to read golden file %s: %v", goldenFile, err)
	}

	return string(data)
}
