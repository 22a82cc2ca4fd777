package inbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Parse decodes raw mail. Header fields that fail to parse are left empty
// rather than failing the whole message.
func Parse(raw []byte, recipients ...string) (*Email, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer reader.Close()

	email := &Email{
		Header:     Header{},
		Recipients: append([]string(nil), recipients...),
	}
	fields := reader.Header.Fields()
	for fields.Next() {
		email.Header.Add(fields.Key(), fields.Value())
	}

	if subject, err := reader.Header.Subject(); err == nil {
		email.Subject = strings.TrimSpace(subject)
	} else {
		email.Subject = strings.TrimSpace(reader.Header.Get("Subject"))
	}
	if list, err := reader.Header.AddressList("From"); err == nil && len(list) > 0 {
		email.From = toAddress(list[0])
	}
	email.To = addressList(reader.Header, "To")
	email.Cc = addressList(reader.Header, "Cc")

	if id, err := reader.Header.MessageID(); err == nil && id != "" {
		email.MessageID = "<" + id + ">"
	}
	email.InReplyTo = msgIDList(reader.Header, "In-Reply-To")
	email.References = msgIDList(reader.Header, "References")

	mediaType, _, err := reader.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	email.ContentType = strings.ToLower(mediaType)
	multipart := strings.HasPrefix(email.ContentType, "multipart/")

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return email, fmt.Errorf("read part: %w", err)
		}
		if part == nil {
			break
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			partType, _, _ := header.ContentType()
			partType = strings.ToLower(partType)
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return email, fmt.Errorf("read inline part: %w", err)
			}
			if !multipart {
				email.Body = string(body)
				continue
			}
			switch {
			case (partType == "" || partType == "text/plain") && email.TextPart == nil:
				email.TextPart = &Part{ContentType: "text/plain", Body: string(body)}
			case partType == "text/html" && email.HTMLPart == nil:
				email.HTMLPart = &Part{ContentType: "text/html", Body: string(body)}
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return email, fmt.Errorf("read attachment: %w", err)
			}
			email.Attachments = append(email.Attachments, Attachment{
				Name:        filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}
	return email, nil
}

func addressList(header mail.Header, key string) []Address {
	list, err := header.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, addr := range list {
		out = append(out, toAddress(addr))
	}
	return out
}

func toAddress(addr *mail.Address) Address {
	return Address{Name: strings.TrimSpace(addr.Name), Email: strings.ToLower(strings.TrimSpace(addr.Address))}
}

func msgIDList(header mail.Header, key string) []string {
	ids, err := header.MsgIDList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, "<"+id+">")
		}
	}
	return out
}
