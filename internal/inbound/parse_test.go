package inbound

import (
	"strings"
	"testing"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseSinglePart(t *testing.T) {
	raw := crlf(`Return-Path: <>
From: "Jane Smith" <Jane@Example.com>
To: choir@mail.grace.example.com
Cc: Youth <youth@mail.grace.example.com>
Subject: Re: Hello
Message-ID: <abc123@example.com>
In-Reply-To: <12_abcdef_orig@grace.example.com>
References: <first@example.com> <12_abcdef_orig@grace.example.com>
Content-Type: text/plain; charset=utf-8

Hi all
`)
	email, err := Parse(raw, "<choir@mail.grace.example.com>")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if email.From.Email != "jane@example.com" || email.From.Name != "Jane Smith" {
		t.Fatalf("unexpected from: %+v", email.From)
	}
	if email.Subject != "Re: Hello" {
		t.Fatalf("unexpected subject: %q", email.Subject)
	}
	if email.MessageID != "<abc123@example.com>" {
		t.Fatalf("unexpected message id: %q", email.MessageID)
	}
	if len(email.InReplyTo) != 1 || email.InReplyTo[0] != "<12_abcdef_orig@grace.example.com>" {
		t.Fatalf("unexpected in-reply-to: %v", email.InReplyTo)
	}
	if len(email.References) != 2 || email.References[0] != "<first@example.com>" {
		t.Fatalf("unexpected references: %v", email.References)
	}
	if email.TextPart != nil || email.HTMLPart != nil {
		t.Fatal("single part mail must not report multipart parts")
	}
	if strings.TrimSpace(email.Body) != "Hi all" {
		t.Fatalf("unexpected body: %q", email.Body)
	}
	if email.ContentType != "text/plain" {
		t.Fatalf("unexpected content type: %q", email.ContentType)
	}
	if path, ok := email.ReturnPath(); !ok || path != "<>" {
		t.Fatalf("unexpected return path: %q %v", path, ok)
	}

	want := []string{"youth@mail.grace.example.com", "choir@mail.grace.example.com"}
	got := email.Destinations()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("destinations: got %v want %v", got, want)
	}
}

func TestParseMultipartWithAttachment(t *testing.T) {
	raw := crlf(`From: jane@example.com
To: choir@mail.grace.example.com
Subject: Rehearsal
Message-ID: <m1@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Caf=E9 at six
--inner
Content-Type: text/html; charset=utf-8

<p>Cafe at six</p>
--inner--
--outer
Content-Type: text/plain
Content-Disposition: attachment; filename="notes.txt"

bring music
--outer--
`)
	email, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if email.TextPart == nil || strings.TrimSpace(email.TextPart.Body) != "Café at six" {
		t.Fatalf("unexpected text part: %+v", email.TextPart)
	}
	if email.HTMLPart == nil || !strings.Contains(email.HTMLPart.Body, "<p>Cafe at six</p>") {
		t.Fatalf("unexpected html part: %+v", email.HTMLPart)
	}
	if email.Body != "" {
		t.Fatalf("multipart mail must leave Body empty, got %q", email.Body)
	}
	if len(email.Attachments) != 1 || email.Attachments[0].Name != "notes.txt" {
		t.Fatalf("unexpected attachments: %+v", email.Attachments)
	}
	if _, ok := email.ReturnPath(); ok {
		t.Fatal("expected no return path")
	}
}

func TestParseMissingMessageID(t *testing.T) {
	email, err := Parse(crlf("From: a@example.com\nSubject: hi\n\nbody\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if email.MessageID != "" {
		t.Fatalf("expected empty message id, got %q", email.MessageID)
	}
	if !email.Header.Has("subject") || email.Header.Has("Auto-Submitted") {
		t.Fatalf("unexpected header presence: %v", email.Header)
	}
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		in, local, domain string
	}{
		{"Choir@Mail.Example.com", "Choir", "mail.example.com"},
		{"<noreply@example.com>", "noreply", "example.com"},
		{"nobody", "nobody", ""},
	}
	for _, tt := range tests {
		local, domain := SplitAddress(tt.in)
		if local != tt.local || domain != tt.domain {
			t.Fatalf("SplitAddress(%q) = %q, %q", tt.in, local, domain)
		}
	}
}
