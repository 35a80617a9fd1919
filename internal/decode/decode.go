// Package decode turns raw RFC 5322 messages into headers and text/html bodies.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// DefaultMaxSize bounds a single message accepted by MailDecoder.
const DefaultMaxSize = 25 * 1024 * 1024

// ErrTooLarge is returned when a message exceeds the decoder size limit.
var ErrTooLarge = errors.New("decode: message too large")

// Header maps canonical MIME header keys to their decoded values.
type Header map[string][]string

// Get returns the first value for key, matched case-insensitively.
func (h Header) Get(key string) string {
	if v := h[textproto.CanonicalMIMEHeaderKey(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value for key, matched case-insensitively.
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

func (h Header) add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

// Parsed is the decoded form of one message. Empty body fields mean the
// message had no such part.
type Parsed struct {
	Header     Header
	HTML       string
	Text       string
	TextAsHTML string
}

// Decoder parses a raw message stream.
type Decoder interface {
	Decode(r io.Reader) (*Parsed, error)
}

// MailDecoder decodes MIME messages with go-message.
type MailDecoder struct {
	// MaxSize caps the raw message size; zero means DefaultMaxSize.
	MaxSize int64
}

// Decode implements Decoder.
func (d *MailDecoder) Decode(r io.Reader) (*Parsed, error) {
	limit := d.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, ErrTooLarge
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	defer mr.Close()

	p := &Parsed{Header: make(Header)}
	fields := mr.Header.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		p.Header.add(fields.Key(), v)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		ct = strings.ToLower(ct)
		isText := ct == "" || strings.HasPrefix(ct, "text/plain")
		isHTML := strings.HasPrefix(ct, "text/html")
		if !isText && !isHTML {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		switch {
		case isText && p.Text == "":
			p.Text = string(body)
		case isHTML && p.HTML == "":
			p.HTML = string(body)
		}
	}

	if p.Text != "" {
		p.TextAsHTML = TextToHTML(p.Text)
	}
	return p, nil
}

// TextToHTML renders plain text as escaped HTML paragraphs. Blank lines
// separate paragraphs and single line breaks become <br/>.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Trim(para, "\n")
		if strings.TrimSpace(para) == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br/>"))
		b.WriteString("</p>")
	}
	return b.String()
}
