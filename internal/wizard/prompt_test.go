package wizard

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"answer", "hello\n", "hello"},
		{"empty uses default", "\n", "fallback"},
		{"whitespace uses default", "   \n", "fallback"},
		{"eof uses default", "", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", "fallback"); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAskPasswordFallback(t *testing.T) {
	// Not a terminal, so it falls back to a plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestAskNewPassword(t *testing.T) {
	p, out := newTestPrompter("short\nlongenough\nmismatch1\nlongenough\nlongenough\n")
	got, err := p.AskNewPassword("Password")
	if err != nil {
		t.Fatalf("AskNewPassword: %v", err)
	}
	if got != "longenough" {
		t.Errorf("AskNewPassword() = %q, want %q", got, "longenough")
	}
	if !strings.Contains(out.String(), "at least 8 characters") {
		t.Error("missing length hint")
	}
	if !strings.Contains(out.String(), "do not match") {
		t.Error("missing mismatch hint")
	}
}

func TestAskNewPasswordGivesUp(t *testing.T) {
	p, _ := newTestPrompter("a\nb\nc\n")
	if _, err := p.AskNewPassword("Password"); err == nil {
		t.Fatal("expected error after three short passwords")
	}
}

func TestAskInt(t *testing.T) {
	p, out := newTestPrompter("zero\n-1\n5\n")
	if got := p.AskInt("Count", 1); got != 5 {
		t.Errorf("AskInt() = %d, want 5", got)
	}
	if strings.Count(out.String(), "positive number") != 2 {
		t.Errorf("expected two retry hints, got output %q", out.String())
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskInt("Count", 3); got != 3 {
		t.Errorf("AskInt() default = %d, want 3", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"alpha", "beta", "gamma"}

	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Pick one", options, 0); got != "beta" {
		t.Errorf("Choose() = %q, want beta", got)
	}

	p, _ = newTestPrompter("9\n3\n")
	if got := p.Choose("Pick one", options, 0); got != "gamma" {
		t.Errorf("Choose() after bad input = %q, want gamma", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Pick one", options, 1); got != "beta" {
		t.Errorf("Choose() default = %q, want beta", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, default %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}
