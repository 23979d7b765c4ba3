// Package console is the terminal operator for negotiation sessions.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loykin/reclaimr/internal/negotiate"
)

// Prompter asks the operator over a line-oriented reader/writer pair.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// New returns a Prompter on stdin/stdout.
func New() *Prompter { return NewWithIO(os.Stdin, os.Stdout) }

// NewWithIO reads answers from in and writes prompts to out; nil means stdin/stdout.
func NewWithIO(in io.Reader, out io.Writer) *Prompter {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// ErrNoAnswer is returned when input ends before the operator answered.
var ErrNoAnswer = errors.New("operator input closed")

func (p *Prompter) readLine(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, _ = fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
		if err == io.EOF {
			return "", ErrNoAnswer
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// AskAcceptReject shows s and reads accept, reject or exit. Unrecognised
// answers are asked again.
func (p *Prompter) AskAcceptReject(ctx context.Context, s negotiate.Suggestion) (negotiate.Decision, error) {
	g := s.Group
	_, _ = fmt.Fprintf(p.out, "\nSuggestion: close %q (%d instances)\n", g.Name, g.Count)
	_, _ = fmt.Fprintf(p.out, "Aggregated CPU: %.1f%% | Memory: %.1f MB\n", g.CPUPercent, g.MemoryMB)
	_, _ = fmt.Fprintf(p.out, "Justification: %s\n", s.Justification)
	for {
		ans, err := p.readLine(ctx, "Accept, reject or exit? [a/r/x]: ")
		if err != nil {
			return negotiate.Exit, err
		}
		switch strings.ToLower(ans) {
		case "a", "accept", "1":
			return negotiate.Accept, nil
		case "r", "reject", "2":
			return negotiate.Reject, nil
		case "x", "e", "exit", "3":
			return negotiate.Exit, nil
		}
		_, _ = fmt.Fprintf(p.out, "unrecognised answer %q\n", ans)
	}
}

// AskContinue defaults to yes on an empty line.
func (p *Prompter) AskContinue(ctx context.Context) (bool, error) {
	for {
		ans, err := p.readLine(ctx, "No further suggestions available. Continue? [Y/n]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(ans) {
		case "", "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		_, _ = fmt.Fprintf(p.out, "unrecognised answer %q\n", ans)
	}
}
