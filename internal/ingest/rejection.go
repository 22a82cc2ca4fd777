package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/outbound"
	"github.io/infrasutra/listrelay/internal/store"
)

type Reason string

const (
	ReasonMultiplePeople Reason = "multiple_people"
	ReasonUnknownPerson  Reason = "unknown_person"
	ReasonCannotRead     Reason = "cannot_read"
	ReasonInvalid        Reason = "invalid"
	ReasonNoRecipients   Reason = "no_recipients"
)

type Rejection struct {
	Reason Reason
	// Detail carries validation errors for ReasonInvalid.
	Detail string
}

// RejectionNotifier tells a sender why their email went nowhere. Notices are
// marked Auto-Submitted so Filter drops them if they bounce back to us.
type RejectionNotifier struct {
	mailer   outbound.Mailer
	composer *outbound.Composer
}

func NewRejectionNotifier(mailer outbound.Mailer, composer *outbound.Composer) *RejectionNotifier {
	return &RejectionNotifier{mailer: mailer, composer: composer}
}

// ReturnAddress is the Return-Path without brackets, or the From address.
func ReturnAddress(email *inbound.Email) string {
	if path, ok := email.ReturnPath(); ok {
		if addr := inbound.StripAngles(path); addr != "" {
			return addr
		}
	}
	return email.From.Email
}

func (n *RejectionNotifier) Notify(ctx context.Context, site store.Site, email *inbound.Email, rejection Rejection) error {
	to := ReturnAddress(email)
	if to == "" {
		return fmt.Errorf("notify %s: no return address", rejection.Reason)
	}
	subject, body := noticeText(site, email.Subject, rejection)
	raw, err := n.composer.Notice(outbound.Notice{Site: site, To: to, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("compose %s notice: %w", rejection.Reason, err)
	}
	if err := n.mailer.Send(ctx, outbound.Envelope{From: site.NoReplyEmail(), To: []string{to}}, raw); err != nil {
		return fmt.Errorf("send %s notice: %w", rejection.Reason, err)
	}
	return nil
}

func noticeText(site store.Site, subject string, rejection Rejection) (string, string) {
	url := site.URL
	if url == "" {
		url = "https://" + site.Host + "/"
	}
	var b strings.Builder
	switch rejection.Reason {
	case ReasonMultiplePeople:
		fmt.Fprintf(&b, "Your message with subject %q was not delivered.\n\n", subject)
		b.WriteString("More than one person in the directory shares your email address, so we could not tell who sent it.\n")
		fmt.Fprintf(&b, "Please send your message from the website instead: %s\n", url)
		return "Message Rejected: " + subject, b.String()
	case ReasonUnknownPerson:
		fmt.Fprintf(&b, "Your message with subject %q was not delivered.\n\n", subject)
		b.WriteString("Your email address was not found in the directory.\n")
		fmt.Fprintf(&b, "Please sign in and check your profile: %s\n", url)
		return "Message Rejected: " + subject, b.String()
	case ReasonCannotRead:
		fmt.Fprintf(&b, "Your message with subject %q was not delivered.\n\n", subject)
		b.WriteString("We could not read the body of your message. Please send it as plain text or HTML.\n")
		fmt.Fprintf(&b, "You can also send it from the website: %s\n", url)
		return "Message Unreadable: " + subject, b.String()
	case ReasonInvalid:
		fmt.Fprintf(&b, "Your message with subject %q was not delivered because of the following errors:\n\n", subject)
		b.WriteString(rejection.Detail + "\n")
		return "Message Error: " + subject, b.String()
	default:
		fmt.Fprintf(&b, "Your message with subject %q was not delivered to anyone.\n\n", subject)
		b.WriteString("You may not be allowed to send to the group address you used, or nobody in it receives email.\n")
		fmt.Fprintf(&b, "Check your groups here: %s\n", url)
		return "Message Not Sent: " + subject, b.String()
	}
}
