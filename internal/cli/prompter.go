package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"casework/internal/clarify"
)

// stdinPrompter collects clarification answers on the terminal, one question
// at a time. An empty answer skips the question; "quit" abandons the session.
type stdinPrompter struct {
	in    *bufio.Reader
	out   io.Writer
	theme Theme
}

func newStdinPrompter() *stdinPrompter {
	return &stdinPrompter{
		in:    bufio.NewReader(os.Stdin),
		out:   os.Stdout,
		theme: defaultTheme,
	}
}

func (p *stdinPrompter) Prompt(ctx context.Context, round int, doubts []clarify.Doubt) ([]clarify.Answer, error) {
	fmt.Fprintf(p.out, "\n%s\n",
		p.theme.statusStyle().Render(fmt.Sprintf("%d field(s) need clarification", len(doubts))))
	fmt.Fprintln(p.out, p.theme.hintStyle().Render(`Press Enter to skip a question, type "quit" to stop.`))

	answers := make([]clarify.Answer, 0, len(doubts))
	for i, d := range doubts {
		if ctx.Err() != nil {
			return nil, clarify.ErrAbandoned
		}

		fmt.Fprintf(p.out, "\n%d. %s\n", i+1, d.Question)
		fmt.Fprintf(p.out, "%s ", p.theme.statusStyle().Render(d.Field+">"))

		line, err := p.in.ReadString('\n')
		if err != nil {
			// EOF means the user is gone; treat it like quitting.
			return nil, clarify.ErrAbandoned
		}

		text := strings.TrimSpace(line)
		switch strings.ToLower(text) {
		case "quit", "q":
			return nil, clarify.ErrAbandoned
		case "", "skip":
			answers = append(answers, clarify.Answer{Field: d.Field, Skip: true})
		default:
			answers = append(answers, clarify.Answer{Field: d.Field, Text: text})
		}
	}
	return answers, nil
}
