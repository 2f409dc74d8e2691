package email

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
)

// ComposeOptions holds everything needed to build a notification. Body
// may be markdown, HTML, or a mix of both; models write either.
type ComposeOptions struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// ComposeMessage builds a complete RFC 5322 MIME message with a
// multipart/alternative body: a text/plain rendition with markup
// stripped and a text/html rendition.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	var buf bytes.Buffer
	var h mail.Header

	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", opts.From, err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	if len(opts.To) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	toAddrs, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("parse to addresses: %w", err)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	if err := writePart(tw, "text/plain; charset=utf-8", toPlain(opts.Body)); err != nil {
		return nil, fmt.Errorf("plain text part: %w", err)
	}

	htmlContent, err := toHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("render body to HTML: %w", err)
	}
	if err := writePart(tw, "text/html; charset=utf-8", htmlContent); err != nil {
		return nil, fmt.Errorf("html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ih mail.InlineHeader
	ih.Set("Content-Type", contentType)
	w, err := tw.CreatePart(ih)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	result := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		result = append(result, parsed)
	}
	return result, nil
}

// renderer passes raw HTML through untouched so model-written HTML
// bodies survive alongside markdown.
var renderer = goldmark.New(goldmark.WithRendererOptions(html.WithUnsafe()))

func toHTML(body string) (string, error) {
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(body), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

var (
	mdBold      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalic    = regexp.MustCompile(`\*(.+?)\*`)
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	htmlBreak   = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>|</tr>|</h[1-6]>`)
	htmlTag     = regexp.MustCompile(`<[^>]+>`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
	trailingSpc = regexp.MustCompile(`(?m)[ \t]+$`)
)

// toPlain strips markdown and HTML markup, keeping line structure.
func toPlain(body string) string {
	s := body
	s = htmlBreak.ReplaceAllString(s, "$0\n")
	s = htmlTag.ReplaceAllString(s, "")
	s = stdhtml.UnescapeString(s)

	s = mdLink.ReplaceAllString(s, "$1 ($2)")
	s = mdBold.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")

	s = trailingSpc.ReplaceAllString(s, "")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
