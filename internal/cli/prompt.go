package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter handles the interactive questions of the init wizard.
type prompter struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
}

func defaultPrompter() *prompter {
	return &prompter{in: os.Stdin, out: os.Stdout}
}

func (p *prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.in)
	}
	return p.scanner
}

func (p *prompter) readLine() string {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text())
	}
	return ""
}

// ask prints a question with a default value and reads one line. Returns
// the default if the user presses Enter without typing.
func (p *prompter) ask(question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// askPassword reads a line without echoing. Falls back to a plain read
// when stdin is not a terminal (tests, piped input).
func (p *prompter) askPassword(question string) string {
	fmt.Fprintf(p.out, "%s: ", question)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// choose presents a numbered list of options and returns the selected value.
func (p *prompter) choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintf(p.out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		fmt.Fprintf(p.out, "%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.ask("Choice", fmt.Sprintf("%d", defaultIdx+1))
		var n int
		if _, err := fmt.Sscanf(ans, "%d", &n); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// confirm asks a yes/no question.
func (p *prompter) confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
