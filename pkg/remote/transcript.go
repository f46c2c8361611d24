package remote

import "strings"

// Entry is one executed command together with its combined stdout/stderr.
type Entry struct {
	Command string
	Output  string
}

// Transcript is the ordered record of every command a session ran. An entry is
// appended when its command starts and the output filled in once the command
// has fully terminated, so a failed run still shows what was attempted.
type Transcript []Entry

func (t Transcript) String() string {
	var b strings.Builder
	for _, e := range t {
		b.WriteString("$ " + e.Command + "\n" + e.Output + "\n\n")
	}
	return strings.TrimSpace(b.String())
}
