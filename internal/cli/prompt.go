package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompter reads one line of input per question.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter reading from in and printing labels to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Ask prints label and returns the trimmed reply. io.EOF is returned once
// input is exhausted and nothing was typed.
func (p *Prompter) Ask(label string) (string, error) {
	fmt.Fprint(p.out, label)

	input, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// AskDefault is Ask with a value returned for an empty reply. The default is
// shown in brackets.
func (p *Prompter) AskDefault(label, def string) (string, error) {
	input, err := p.Ask(fmt.Sprintf("%s [%s]: ", label, def))
	if err != nil {
		return "", err
	}
	if input == "" {
		return def, nil
	}
	return input, nil
}
