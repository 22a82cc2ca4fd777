package outbound

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.io/infrasutra/listrelay/internal/store"
)

// ReplyDelimiter opens the footer of every broadcast. Inbound replies are cut
// at the first quoted copy of it.
var ReplyDelimiter = strings.Repeat("- ", 23) + "-"

type Composer struct {
	Now func() time.Time
}

func NewComposer() *Composer {
	return &Composer{Now: time.Now}
}

// GroupMail is one member's copy of a group message.
type GroupMail struct {
	Site             store.Site
	Group            store.Group
	Message          store.Message
	Sender           store.Person
	Recipient        store.Person
	SenderCanPost    bool
	RecipientCanPost bool
}

// GroupMessage renders a member copy and returns it with its Message-ID.
func (c *Composer) GroupMessage(m GroupMail) ([]byte, string, error) {
	messageID := fmt.Sprintf("%s_%s@%s", m.Message.IDAndCode(), strings.ReplaceAll(uuid.NewString(), "-", ""), m.Site.Host)
	siteURL := baseURL(m.Site)
	groupURL := fmt.Sprintf("%sgroups/%d", siteURL, m.Group.ID)
	unsubscribe := fmt.Sprintf("%s/memberships/%d?email=off", groupURL, m.Recipient.ID)

	var h mail.Header
	h.SetDate(c.now())
	h.SetMessageID(messageID)
	h.SetSubject(m.Message.Subject)
	h.SetAddressList("From", []*mail.Address{fromAddress(m)})
	h.SetAddressList("To", []*mail.Address{{Name: m.Recipient.Name(), Address: m.Recipient.Email}})
	h.SetAddressList("Reply-To", []*mail.Address{replyTo(m)})
	if m.Group.ID != 0 {
		h.Set("List-ID", fmt.Sprintf("%s group on %s <%s.%s>", headerSafe(m.Group.Name), headerSafe(m.Site.Name), listLocal(m.Group), urlHost(m.Site)))
		h.Set("List-Help", "<"+groupURL+">")
		h.Set("List-Unsubscribe", "<"+unsubscribe+">")
		if m.RecipientCanPost {
			h.Set("List-Post", "<"+groupURL+">")
		} else {
			h.Set("List-Post", "NO (you are not allowed to post to this group)")
		}
		h.Set("List-Archive", "<"+groupURL+">")
		if m.Group.Address != "" && m.SenderCanPost {
			h.SetAddressList("Cc", []*mail.Address{{Name: m.Group.Name, Address: m.Group.Address + "@" + m.Site.MailHost()}})
		}
	}

	footer := groupFooter(m, groupURL, unsubscribe)
	text := m.Message.Body
	if text != "" {
		text = strings.TrimRight(text, "\r\n") + "\n\n" + footer
	}
	htmlBody := m.Message.HTMLBody
	if htmlBody != "" {
		htmlBody += "\n<p>" + strings.ReplaceAll(html.EscapeString(footer), "\n", "<br>\n") + "</p>\n"
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create message writer: %w", err)
	}
	if err := writeBodies(mw, text, htmlBody); err != nil {
		return nil, "", err
	}
	for _, attachment := range m.Message.Attachments {
		var ah mail.AttachmentHeader
		contentType := attachment.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(attachment.Name)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", fmt.Errorf("create attachment: %w", err)
		}
		if _, err := w.Write(attachment.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("close attachment: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), "<" + messageID + ">", nil
}

// Notice is a plain text auto-reply to a sender.
type Notice struct {
	Site    store.Site
	To      string
	Subject string
	Body    string
}

func (c *Composer) Notice(n Notice) ([]byte, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetMessageID(uuid.NewString() + "@" + n.Site.Host)
	h.SetSubject(n.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: n.Site.Name, Address: n.Site.NoReplyEmail()}})
	h.SetAddressList("To", []*mail.Address{{Address: n.To}})
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create notice writer: %w", err)
	}
	if _, err := io.WriteString(w, n.Body); err != nil {
		return nil, fmt.Errorf("write notice: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close notice: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Composer) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func writeBodies(mw *mail.Writer, text, htmlBody string) error {
	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline: %w", err)
	}
	parts := []struct {
		mediaType string
		body      string
	}{
		{"text/plain", text},
		{"text/html", htmlBody},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		var ih mail.InlineHeader
		ih.SetContentType(part.mediaType, map[string]string{"charset": "utf-8"})
		w, err := tw.CreatePart(ih)
		if err != nil {
			return fmt.Errorf("create %s part: %w", part.mediaType, err)
		}
		if _, err := io.WriteString(w, part.body); err != nil {
			return fmt.Errorf("write %s part: %w", part.mediaType, err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close %s part: %w", part.mediaType, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close inline: %w", err)
	}
	return nil
}

func groupFooter(m GroupMail, groupURL, unsubscribe string) string {
	senderName := m.Sender.Name()
	if senderName == "" {
		senderName = "the sender"
	}
	var b strings.Builder
	b.WriteString(ReplyDelimiter + "\n")
	fmt.Fprintf(&b, "Hit \"Reply\" to send a message to %s only.\n", senderName)
	if m.Group.ID == 0 {
		fmt.Fprintf(&b, "To stop these emails, go to your privacy page:\n%sprivacy\n", baseURL(m.Site))
		fmt.Fprintf(&b, "id: %s\n", m.Message.IDAndCode())
		return b.String()
	}
	if m.RecipientCanPost {
		if m.Group.Address != "" {
			fmt.Fprintf(&b, "Hit \"Reply to All\" to send a message to the group, or send to: %s@%s\n", m.Group.Address, m.Site.MailHost())
			fmt.Fprintf(&b, "Group page: %s\n", groupURL)
		} else {
			fmt.Fprintf(&b, "To reply: %smessages/view/%d\n", baseURL(m.Site), m.Message.ID)
		}
	}
	fmt.Fprintf(&b, "To stop email from this group: %s\n", unsubscribe)
	fmt.Fprintf(&b, "id: %s\n", m.Message.IDAndCode())
	return b.String()
}

func fromAddress(m GroupMail) *mail.Address {
	if m.Sender.Email == "" {
		return &mail.Address{Name: "DO NOT REPLY", Address: m.Site.NoReplyEmail()}
	}
	name := headerSafe(m.Sender.Name())
	if m.Group.Name != "" {
		name = fmt.Sprintf("%s [%s]", name, headerSafe(m.Group.Name))
	}
	return &mail.Address{Name: name, Address: m.Site.NoReplyEmail()}
}

func replyTo(m GroupMail) *mail.Address {
	if !m.Recipient.MessagesEnabled() || m.Sender.Email == "" {
		return &mail.Address{Name: "DO NOT REPLY", Address: m.Site.NoReplyEmail()}
	}
	return &mail.Address{Name: headerSafe(m.Sender.Name()), Address: m.Sender.Email}
}

func listLocal(group store.Group) string {
	if group.Address != "" {
		return strings.ToLower(group.Address)
	}
	return fmt.Sprintf("group%d", group.ID)
}

func baseURL(site store.Site) string {
	raw := strings.TrimSpace(site.URL)
	if raw == "" {
		raw = "https://" + site.Host
	}
	return strings.TrimRight(raw, "/") + "/"
}

func urlHost(site store.Site) string {
	if parsed, err := url.Parse(baseURL(site)); err == nil && parsed.Hostname() != "" {
		return parsed.Hostname()
	}
	return site.Host
}

func headerSafe(value string) string {
	value = strings.ReplaceAll(value, "\"", "")
	value = strings.ReplaceAll(value, "\r", "")
	value = strings.ReplaceAll(value, "\n", "")
	return strings.TrimSpace(value)
}
