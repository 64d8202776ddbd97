package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"typed answer wins", "hello\n", "hello"},
		{"empty takes default", "\n", "fallback"},
		{"whitespace takes default", "   \n", "fallback"},
		{"eof takes default", "", "fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			def := "fallback"
			if tc.want == "hello" {
				def = "default"
			}
			if got := p.Ask("Name", def); got != tc.want {
				t.Errorf("Ask() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAskIntValid(t *testing.T) {
	p, _ := newTestPrompter("5\n")
	if got := p.AskInt("Count", 1); got != 5 {
		t.Errorf("AskInt() = %d, want 5", got)
	}
}

func TestAskIntDefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	if got := p.AskInt("Count", 3); got != 3 {
		t.Errorf("AskInt() = %d, want 3", got)
	}
}

func TestAskIntReasksOnJunk(t *testing.T) {
	p, out := newTestPrompter("abc\n-2\n7\n")
	if got := p.AskInt("Count", 1); got != 7 {
		t.Errorf("AskInt() = %d, want 7", got)
	}
	if !strings.Contains(out.String(), "positive number") {
		t.Error("expected a re-ask hint in output")
	}
}

func TestChooseSelection(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	options := []string{"sqlite", "postgres"}
	if got := p.Choose("Driver", options, 0); got != "postgres" {
		t.Errorf("Choose() = %q, want postgres", got)
	}
}

func TestChooseDefaultOnEmpty(t *testing.T) {
	p, _ := newTestPrompter("\n")
	options := []string{"sqlite", "postgres"}
	if got := p.Choose("Driver", options, 1); got != "postgres" {
		t.Errorf("Choose() = %q, want postgres", got)
	}
}

func TestChooseReasksOutOfRange(t *testing.T) {
	p, _ := newTestPrompter("9\n1\n")
	options := []string{"sqlite", "postgres"}
	if got := p.Choose("Driver", options, 0); got != "sqlite" {
		t.Errorf("Choose() = %q, want sqlite", got)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		name       string
		input      string
		defaultYes bool
		want       bool
	}{
		{"yes", "y\n", false, true},
		{"yes word", "yes\n", false, true},
		{"no", "n\n", true, false},
		{"empty default yes", "\n", true, true},
		{"empty default no", "\n", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newTestPrompter(tc.input)
			if got := p.Confirm("Continue?", tc.defaultYes); got != tc.want {
				t.Errorf("Confirm() = %v, want %v", got, tc.want)
			}
		})
	}
}
