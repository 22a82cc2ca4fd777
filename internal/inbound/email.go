// Package inbound turns raw RFC 5322 mail into the Email value the routing
// pipeline works on.
package inbound

import (
	"net/textproto"
	"strings"
)

type Address struct {
	Name  string
	Email string
}

// Domain is the lowercased part after the last @, or empty.
func (a Address) Domain() string {
	_, domain := SplitAddress(a.Email)
	return domain
}

// Part is one decoded text part of a multipart message.
type Part struct {
	ContentType string
	Body        string
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Header map[string][]string

func (h Header) Has(name string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

func (h Header) Get(name string) string {
	values := h[textproto.CanonicalMIMEHeaderKey(name)]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (h Header) Add(name, value string) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	h[key] = append(h[key], value)
}

type Email struct {
	From Address
	To   []Address
	Cc   []Address
	// Recipients are the SMTP envelope RCPT addresses, when known.
	Recipients  []string
	Subject     string
	MessageID   string
	InReplyTo   []string
	References  []string
	Header      Header
	ContentType string
	TextPart    *Part
	HTMLPart    *Part
	// Body is the whole decoded body of a single part message.
	Body        string
	Attachments []Attachment
}

// ReturnPath reports the Return-Path header and whether it was present at all.
func (e *Email) ReturnPath() (string, bool) {
	if e.Header == nil || !e.Header.Has("Return-Path") {
		return "", false
	}
	return strings.TrimSpace(e.Header.Get("Return-Path")), true
}

// Destinations lists Cc, then To, then envelope recipients, without duplicates.
func (e *Email) Destinations() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, a := range e.Cc {
		add(a.Email)
	}
	for _, a := range e.To {
		add(a.Email)
	}
	for _, r := range e.Recipients {
		add(StripAngles(r))
	}
	return out
}

// HeaderRecipients are the To and Cc addresses, lowercased.
func (e *Email) HeaderRecipients() []string {
	var out []string
	for _, a := range append(append([]Address{}, e.To...), e.Cc...) {
		if addr := strings.ToLower(strings.TrimSpace(a.Email)); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// SplitAddress splits local@domain, lowercasing the domain.
func SplitAddress(addr string) (local, domain string) {
	addr = StripAngles(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], strings.ToLower(addr[at+1:])
}

func StripAngles(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "<")
	value = strings.TrimSuffix(value, ">")
	return strings.TrimSpace(value)
}
