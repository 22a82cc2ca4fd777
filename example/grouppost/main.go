// Command grouppost sends a test post to a group list address through a
// running listrelay SMTP listener.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:2025", "listrelay SMTP address")
	from := flag.String("from", "member@example.com", "sender address, must belong to a group member")
	to := flag.String("to", "group@site.example", "group list address")
	subject := flag.String("subject", "Hello group", "subject line")
	replyTo := flag.String("in-reply-to", "", "Message-ID of a relayed message to thread under")
	username := flag.String("user", "", "SMTP AUTH username")
	password := flag.String("pass", "", "SMTP AUTH password")
	count := flag.Int("n", 1, "number of posts")
	flag.Parse()

	var client sasl.Client
	if *username != "" {
		client = sasl.NewPlainClient("", *username, *password)
	}

	for i := 1; i <= *count; i++ {
		raw, err := compose(*from, *to, fmt.Sprintf("%s #%d", *subject, i), *replyTo)
		if err != nil {
			log.Fatalf("compose: %v", err)
		}
		if err := smtp.SendMail(*addr, client, *from, []string{*to}, bytes.NewReader(raw)); err != nil {
			log.Fatalf("send #%d: %v", i, err)
		}
	}
	fmt.Printf("sent %d posts to %s\n", *count, *to)
}

func compose(from, to, subject, inReplyTo string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	h.SetMessageID(uuid.NewString() + "@grouppost.local")
	if inReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(inReplyTo, "<> ")})
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(w, "Posted by grouppost at %s.\r\n", time.Now().Format(time.RFC1123Z)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
