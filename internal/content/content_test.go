package content

import (
	"strings"
	"testing"
)

func TestRenderText(t *testing.T) {
	p := NewProcessor()
	out, err := p.Render(`<div>Hello <b>world</b><script>evil()</script></div>`, FormatText, "")
	if err != nil {
		t.Fatalf("Render = %v", err)
	}
	if out != "Hello world" {
		t.Fatalf("text = %q, want %q", out, "Hello world")
	}
}

func TestRenderTextDefaultFormat(t *testing.T) {
	p := NewProcessor()
	out, err := p.Render("<p>a</p><p>b</p>", "", "")
	if err != nil {
		t.Fatalf("Render = %v", err)
	}
	if out != "a b" {
		t.Fatalf("text = %q, want %q", out, "a b")
	}
}

func TestRenderHTMLSanitizes(t *testing.T) {
	p := NewProcessor()
	out, err := p.Render(`<p onclick="x()">ok</p><script>evil()</script>`, FormatHTML, "")
	if err != nil {
		t.Fatalf("Render = %v", err)
	}
	if strings.Contains(out, "script") || strings.Contains(out, "onclick") {
		t.Fatalf("sanitized html still contains unsafe content: %q", out)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("sanitized html lost text content: %q", out)
	}
}

func TestRenderMarkdown(t *testing.T) {
	p := NewProcessor()
	out, err := p.Render(`<h1>Title</h1><p>Body with <a href="/x">link</a>.</p>`, FormatMarkdown, "https://example.com/page")
	if err != nil {
		t.Fatalf("Render = %v", err)
	}
	if !strings.Contains(out, "# Title") {
		t.Fatalf("markdown missing heading: %q", out)
	}
	if !strings.Contains(out, "https://example.com/x") {
		t.Fatalf("markdown did not resolve relative link: %q", out)
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	p := NewProcessor()
	if _, err := p.Render("<p>x</p>", "pdf", ""); err == nil {
		t.Fatal("Render with unknown format succeeded, want error")
	}
}

func TestNormalizeTextWhitespace(t *testing.T) {
	got := NormalizeText("  a \n\t b \n c  ")
	if got != "a b c" {
		t.Fatalf("NormalizeText = %q, want %q", got, "a b c")
	}
}
