package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/nidhogg/agency/internal/orchestrator"
)

// StaticConfirmer answers every deploy confirmation the same way.
type StaticConfirmer bool

func (s StaticConfirmer) Confirm(context.Context, *orchestrator.RunContext) (bool, error) {
	return bool(s), nil
}

// PromptConfirmer asks on out and reads a yes/no answer from in.
type PromptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptConfirmer creates an interactive confirmer.
func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm accepts "y" or "yes" in any case. End of input declines.
func (p *PromptConfirmer) Confirm(ctx context.Context, rc *orchestrator.RunContext) (bool, error) {
	fmt.Fprintf(p.out, "Deploy project %s? [y/N]: ", rc.ProjectID)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
