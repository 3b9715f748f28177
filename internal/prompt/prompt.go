// Package prompt provides line-oriented interactive prompts for the tether CLI.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/musher-dev/tether/internal/output"
)

var errCanceled = errors.New("prompt canceled")

// IsCanceled reports whether err came from a prompt that was abandoned.
func IsCanceled(err error) bool {
	return errors.Is(err, errCanceled) || errors.Is(err, context.Canceled)
}

// Prompter handles interactive prompts.
type Prompter struct {
	out   *output.Writer
	lines chan lineResult
	in    io.Reader
}

type lineResult struct {
	text string
	err  error
}

// New creates a Prompter reading from stdin.
func New(out *output.Writer) *Prompter {
	return NewWithReader(out, os.Stdin)
}

// NewWithReader creates a Prompter reading from in.
func NewWithReader(out *output.Writer, in io.Reader) *Prompter {
	return &Prompter{out: out, in: in}
}

// CanPrompt returns true if interactive prompts are available.
func (p *Prompter) CanPrompt() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) && !p.out.NoInput
}

// readLine returns the next input line. A single reader goroutine owns the
// input so an abandoned prompt does not lose the following line.
func (p *Prompter) readLine(ctx context.Context) (string, error) {
	if p.lines == nil {
		p.lines = make(chan lineResult)

		go func(r *bufio.Reader) {
			for {
				text, err := r.ReadString('\n')
				if err != nil && text == "" {
					p.lines <- lineResult{err: fmt.Errorf("failed to read input: %w", err)}
					close(p.lines)

					return
				}

				p.lines <- lineResult{text: strings.TrimSpace(text)}
			}
		}(bufio.NewReader(p.in))
	}

	select {
	case <-ctx.Done():
		return "", errors.Join(errCanceled, ctx.Err())
	case res, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("failed to read input: %w", io.EOF)
		}

		return res.text, res.err
	}
}

// Confirm prompts for a yes/no confirmation.
func (p *Prompter) Confirm(ctx context.Context, message string, defaultValue bool) (bool, error) {
	defaultStr := "y/N"
	if defaultValue {
		defaultStr = "Y/n"
	}

	p.out.Print("%s [%s]: ", message, defaultStr)

	input, err := p.readLine(ctx)
	if err != nil {
		return defaultValue, err
	}

	input = strings.ToLower(input)
	if input == "" {
		return defaultValue, nil
	}

	return input == "y" || input == "yes", nil
}

// Text prompts for a free-form answer.
func (p *Prompter) Text(ctx context.Context, message string) (string, error) {
	p.out.Print("%s: ", message)

	return p.readLine(ctx)
}

// Password prompts for a secret without echo. It needs a terminal on stdin.
func (p *Prompter) Password(prompt string) (string, error) {
	p.out.Print("%s: ", prompt)

	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	p.out.Println()

	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(password), nil
}

// Select prompts the user to select from a list of options.
func (p *Prompter) Select(ctx context.Context, message string, options []string) (int, error) {
	p.printOptions(message, options)

	for {
		p.out.Print("Select [1-%d]: ", len(options))

		input, err := p.readLine(ctx)
		if err != nil {
			return -1, err
		}

		if input == "" {
			continue
		}

		num, err := strconv.Atoi(input)
		if err != nil || num < 1 || num > len(options) {
			p.out.Warning("Invalid selection. Please enter a number between 1 and %d", len(options))
			continue
		}

		return num - 1, nil
	}
}

// MultiSelect prompts for one or more comma-separated option numbers.
func (p *Prompter) MultiSelect(ctx context.Context, message string, options []string) ([]int, error) {
	p.printOptions(message, options)

	for {
		p.out.Print("Select one or more [1-%d, comma separated]: ", len(options))

		input, err := p.readLine(ctx)
		if err != nil {
			return nil, err
		}

		if input == "" {
			continue
		}

		picked, ok := parseSelection(input, len(options))
		if !ok {
			p.out.Warning("Invalid selection. Please enter numbers between 1 and %d", len(options))
			continue
		}

		return picked, nil
	}
}

func (p *Prompter) printOptions(message string, options []string) {
	p.out.Println(message)

	for i, opt := range options {
		p.out.Print("  [%d] %s\n", i+1, opt)
	}

	p.out.Println()
}

func parseSelection(input string, n int) ([]int, bool) {
	seen := make(map[int]bool)

	var picked []int

	for _, field := range strings.Split(input, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		num, err := strconv.Atoi(field)
		if err != nil || num < 1 || num > n {
			return nil, false
		}

		if !seen[num] {
			seen[num] = true
			picked = append(picked, num-1)
		}
	}

	return picked, len(picked) > 0
}
