package remote

import "strings"

// Command is a remote pipeline described as argument vectors. Every
// argument is quoted when rendered, so values taken from configuration are
// never interpreted by the remote shell. Secrets belong in Stdin, which is
// streamed over the channel and never appears in the process list.
type Command struct {
	Stages   [][]string
	Stdout   string // redirect target, empty for none
	Stdin    []byte
	Pipefail bool
}

// Exec starts a command with a single stage.
func Exec(argv ...string) Command {
	return Command{Stages: [][]string{argv}}
}

// Pipe appends a stage reading the previous stage's stdout.
func (c Command) Pipe(argv ...string) Command {
	stages := make([][]string, len(c.Stages), len(c.Stages)+1)
	copy(stages, c.Stages)
	c.Stages = append(stages, argv)
	c.Pipefail = true
	return c
}

// RedirectTo sends the last stage's stdout to path on the remote host.
func (c Command) RedirectTo(path string) Command {
	c.Stdout = path
	return c
}

// WithStdin attaches data written to the remote process' stdin.
func (c Command) WithStdin(data []byte) Command {
	c.Stdin = data
	return c
}

// String renders the command line sent to the remote shell.
func (c Command) String() string {
	var b strings.Builder
	if c.Pipefail && len(c.Stages) > 1 {
		b.WriteString("set -o pipefail; ")
	}
	for i, argv := range c.Stages {
		if i > 0 {
			b.WriteString(" | ")
		}
		for j, arg := range argv {
			if j > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(Quote(arg))
		}
	}
	if c.Stdout != "" {
		b.WriteString(" > ")
		b.WriteString(Quote(c.Stdout))
	}
	return b.String()
}

// Quote minimally quotes an argument for POSIX shells. Common safe
// characters are left bare; anything else is single-quoted with the
// standard '\'' escape for embedded single quotes.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return false
		}
		return true
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Result is the outcome of a remote command that ran to completion.
type Result struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitStatus == 0
}

// StderrTail returns the last n bytes of stderr, trimmed, for log records.
func (r Result) StderrTail(n int) string {
	s := strings.TrimSpace(string(r.Stderr))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
