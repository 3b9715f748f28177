package supervisor

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

// DefaultURLPattern finds "navigate to this address" markers in output.
// The first submatch is the address.
var DefaultURLPattern = regexp.MustCompile(`(?i)(?:go to|visit|navigate to|open(?: this)?(?: url| link)?|browser)[^\n]*?(https?://[^\s"'<>\x1b]+)`)

// Opener opens an address for the operator, usually in a browser.
type Opener func(ctx context.Context, address string) error

// ValidateURL accepts only absolute http and https addresses.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), ".,;)")

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}

	return u.String(), nil
}

// OpenBrowser opens address with the platform's default handler.
func OpenBrowser(ctx context.Context, address string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", address)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", address)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", address)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", RedactedURL, err)
	}

	go func() { _ = cmd.Wait() }()

	return nil
}
