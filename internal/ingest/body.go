package ingest

import (
	"regexp"
	"strings"

	"github.io/infrasutra/listrelay/internal/inbound"
)

var (
	quotedReplyPattern = regexp.MustCompile(`(?m)^[>\s]*(?:- ){23}-`)
	unsubscribePattern = regexp.MustCompile(`(?i)https?://.*?person_id=\d+&code=\d+`)
)

// Body is the readable content of an inbound email.
type Body struct {
	Text string
	HTML string
}

func (b Body) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && strings.TrimSpace(b.HTML) == ""
}

// ExtractBody prefers genuine multipart text and HTML parts and falls back to
// the whole body of single part text/plain or text/html mail.
func ExtractBody(email *inbound.Email) Body {
	var body Body
	if email.TextPart != nil {
		body.Text = email.TextPart.Body
	}
	if email.HTMLPart != nil {
		body.HTML = email.HTMLPart.Body
	}
	switch {
	case email.TextPart == nil && email.ContentType == "text/plain":
		body.Text = email.Body
	case email.HTMLPart == nil && email.ContentType == "text/html":
		body.HTML = email.Body
	}
	return body
}

// CleanBody drops the quoted history below our reply delimiter, unsubscribe
// links and id markers.
func CleanBody(s string) string {
	if loc := quotedReplyPattern.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	s = unsubscribePattern.ReplaceAllString(s, "--removed--")
	s = bodyMarkerPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func (b Body) Clean() Body {
	return Body{Text: CleanBody(b.Text), HTML: CleanBody(b.HTML)}
}
