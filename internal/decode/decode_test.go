package decode

import (
	"errors"
	"strings"
	"testing"
)

func TestMailDecoder_PlainText(t *testing.T) {
	raw := "From: Bob <bob@example.com>\r\n" +
		"Subject: Hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello"

	p, err := (&MailDecoder{}).Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Text != "Hello" {
		t.Errorf("Text: got %q, want %q", p.Text, "Hello")
	}
	if p.HTML != "" {
		t.Errorf("HTML: got %q, want empty", p.HTML)
	}
	if p.TextAsHTML != "<p>Hello</p>" {
		t.Errorf("TextAsHTML: got %q", p.TextAsHTML)
	}
	if got := p.Header.Get("subject"); got != "Hi" {
		t.Errorf("Header.Get(subject): got %q, want %q", got, "Hi")
	}
	if got := p.Header.Get("SUBJECT"); got != "Hi" {
		t.Errorf("Header.Get(SUBJECT): got %q, want %q", got, "Hi")
	}
}

func TestMailDecoder_NoContentType(t *testing.T) {
	raw := "Subject: bare\r\n\r\nline one\r\n"
	p, err := (&MailDecoder{}).Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Text != "line one\r\n" {
		t.Errorf("Text: got %q", p.Text)
	}
}

func TestMailDecoder_Alternative(t *testing.T) {
	raw := "Subject: =?utf-8?q?Caf=C3=A9?=\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XX\r\n" +
		"\r\n" +
		"--XX\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--XX\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<b>html body</b>\r\n" +
		"--XX\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=a.pdf\r\n" +
		"\r\n" +
		"%PDF\r\n" +
		"--XX--\r\n"

	p, err := (&MailDecoder{}).Decode(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Text != "plain body" {
		t.Errorf("Text: got %q", p.Text)
	}
	if p.HTML != "<b>html body</b>" {
		t.Errorf("HTML: got %q", p.HTML)
	}
	if got := p.Header.Get("Subject"); got != "Café" {
		t.Errorf("Subject: got %q, want decoded word", got)
	}
}

func TestMailDecoder_Malformed(t *testing.T) {
	raw := "this is not a header line\r\n\r\nbody"
	if _, err := (&MailDecoder{}).Decode(strings.NewReader(raw)); err == nil {
		t.Fatal("expected error for malformed header")
	}
}

func TestMailDecoder_TooLarge(t *testing.T) {
	raw := "Subject: big\r\n\r\n" + strings.Repeat("x", 100)
	_, err := (&MailDecoder{MaxSize: 32}).Decode(strings.NewReader(raw))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestTextToHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello", "<p>Hello</p>"},
		{"a\nb", "<p>a<br/>b</p>"},
		{"a\r\n\r\nb", "<p>a</p><p>b</p>"},
		{"<x> & y", "<p>&lt;x&gt; &amp; y</p>"},
		{"\n\n\n", ""},
	}
	for _, tt := range tests {
		if got := TextToHTML(tt.in); got != tt.want {
			t.Errorf("TextToHTML(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
