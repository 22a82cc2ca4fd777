package ingest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"path"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/outbound"
	"github.io/infrasutra/listrelay/internal/store"
)

// DuplicateWindow is how long an identical message from the same sender is
// treated as a resubmission.
const DuplicateWindow = 24 * time.Hour

const maxCode = 999999

var (
	autoreplySubjectPattern = regexp.MustCompile(`(?i)Out of Office`)
	ignoredAttachments      = map[string]struct{}{"winmail.dat": {}, "smime.p7s": {}}
)

// ValidationError lists why a message could not be stored. Duplicate and
// Autoreply are reported apart from Problems because they are not worth a
// notice to the sender.
type ValidationError struct {
	Problems  []string
	Duplicate bool
	Autoreply bool
}

func (e *ValidationError) Error() string {
	all := append([]string{}, e.Problems...)
	if e.Duplicate {
		all = append(all, "already saved")
	}
	if e.Autoreply {
		all = append(all, "autoreply")
	}
	return strings.Join(all, "; ")
}

// Silent reports whether the only failures are duplicate or autoreply.
func (e *ValidationError) Silent() bool {
	return len(e.Problems) == 0 && (e.Duplicate || e.Autoreply)
}

type FactoryInput struct {
	Site   store.Site
	Group  store.Group
	Sender store.Person
	Email  *inbound.Email
	Body   Body
	// AlreadySent holds lowercased addresses that already have a copy. It is
	// shared across every group the email is addressed to.
	AlreadySent map[string]struct{}
}

type Created struct {
	Message store.Message
	Report  DeliveryReport
}

// DeliveryReport sums up one fan-out.
type DeliveryReport struct {
	Delivered []string
	Failed    []string
	// OnEnvelope counts eligible members skipped because they already had a copy.
	OnEnvelope int
	Err        error
}

// Reached reports whether any eligible member has the message.
func (r DeliveryReport) Reached() bool {
	return len(r.Delivered) > 0 || r.OnEnvelope > 0
}

// MessageFactory turns accepted inbound mail into stored messages and sends
// them to group members.
type MessageFactory struct {
	store    *store.Store
	threads  *ThreadMatcher
	mailer   outbound.Mailer
	composer *outbound.Composer
	logger   *slog.Logger
	now      func() time.Time
	newCode  func() (int64, error)
}

func NewMessageFactory(st *store.Store, threads *ThreadMatcher, mailer outbound.Mailer, composer *outbound.Composer, logger *slog.Logger, now func() time.Time) *MessageFactory {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &MessageFactory{
		store:    st,
		threads:  threads,
		mailer:   mailer,
		composer: composer,
		logger:   logger,
		now:      now,
		newCode:  NewCode,
	}
}

// NewCode returns a random security code in 1..999999.
func NewCode() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode))
	if err != nil {
		return 0, fmt.Errorf("generate code: %w", err)
	}
	return n.Int64() + 1, nil
}

// CreateFromInbound builds, validates, stores and fans out the group message.
// A *ValidationError means nothing was stored.
func (f *MessageFactory) CreateFromInbound(ctx context.Context, in FactoryInput) (Created, error) {
	parent, err := f.threads.FindParent(ctx, in.Group, in.Email)
	if err != nil {
		return Created{}, err
	}
	code, err := f.newCode()
	if err != nil {
		return Created{}, err
	}
	cleaned := in.Body.Clean()
	now := f.now()
	msg := store.Message{
		SiteID:      in.Site.ID,
		PersonID:    in.Sender.ID,
		Code:        code,
		Subject:     in.Email.Subject,
		Body:        cleaned.Text,
		HTMLBody:    cleaned.HTML,
		Destination: store.ToGroup(in.Group.ID),
		CreatedAt:   now,
		UpdatedAt:   now,
		Attachments: attachmentsFrom(in.Email),
	}
	if parent != nil {
		msg.ParentID = parent.ID
	}

	if err := f.Validate(ctx, msg); err != nil {
		return Created{}, err
	}
	if err := f.store.InsertMessage(ctx, &msg); err != nil {
		return Created{}, fmt.Errorf("store message: %w", err)
	}

	alreadySent := in.AlreadySent
	if alreadySent == nil {
		alreadySent = map[string]struct{}{}
	}
	report := f.FanOut(ctx, in.Site, msg, in.Sender, alreadySent)
	return Created{Message: msg, Report: report}, nil
}

func (f *MessageFactory) Validate(ctx context.Context, msg store.Message) error {
	verr := &ValidationError{}
	if msg.PersonID == 0 {
		verr.Problems = append(verr.Problems, "person can't be blank")
	}
	subject := strings.TrimSpace(msg.Subject)
	switch {
	case subject == "":
		verr.Problems = append(verr.Problems, "subject can't be blank")
	case utf8.RuneCountInString(subject) < 2:
		verr.Problems = append(verr.Problems, "subject is too short (minimum is 2 characters)")
	}
	if strings.TrimSpace(msg.Body) == "" && strings.TrimSpace(msg.HTMLBody) == "" {
		verr.Problems = append(verr.Problems, "body can't be blank")
	}
	if !msg.Destination.Valid() {
		verr.Problems = append(verr.Problems, "destination can't be blank")
	}
	if id := msg.Destination.PersonID(); id > 0 {
		target, err := f.store.Person(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("validate message: %w", err)
		}
		if err != nil || strings.TrimSpace(target.Email) == "" {
			verr.Problems = append(verr.Problems, "recipient is invalid")
		}
	}
	if msg.PersonID != 0 && msg.Destination.Valid() {
		duplicate, err := f.store.HasRecentDuplicate(ctx, msg, f.now().Add(-DuplicateWindow))
		if err != nil {
			return fmt.Errorf("validate message: %w", err)
		}
		verr.Duplicate = duplicate
	}
	verr.Autoreply = autoreplySubjectPattern.MatchString(msg.Subject)

	if len(verr.Problems) == 0 && !verr.Duplicate && !verr.Autoreply {
		return nil
	}
	return verr
}

// CanPost is true for group admins and global group managers, and for members
// with messaging enabled when the group lets members send.
func (f *MessageFactory) CanPost(ctx context.Context, group store.Group, person store.Person) (bool, error) {
	if person.GroupManager {
		return true, nil
	}
	membership, err := f.store.Membership(ctx, group.ID, person.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check posting rights: %w", err)
	}
	if membership.Admin {
		return true, nil
	}
	return group.MembersSend && person.MessagesEnabled(), nil
}

// FanOut sends one copy per eligible member in person id order. A failed
// delivery is recorded and the loop moves on.
func (f *MessageFactory) FanOut(ctx context.Context, site store.Site, msg store.Message, sender store.Person, alreadySent map[string]struct{}) DeliveryReport {
	var report DeliveryReport
	if !msg.Destination.IsGroup() {
		return f.sendPrivate(ctx, site, msg, sender, alreadySent)
	}

	group, err := f.store.Group(ctx, msg.Destination.GroupID())
	if err != nil {
		report.Err = fmt.Errorf("load group: %w", err)
		return report
	}
	members, err := f.store.GroupMembers(ctx, group.ID)
	if err != nil {
		report.Err = err
		return report
	}
	senderCanPost, err := f.CanPost(ctx, group, sender)
	if err != nil {
		f.logger.Warn("check sender posting rights", "person_id", sender.ID, "error", err)
	}

	var errs []error
	for _, member := range members {
		addr := strings.ToLower(strings.TrimSpace(member.Email))
		if !validEmail(addr) || !member.Membership.GetEmail {
			continue
		}
		if _, ok := alreadySent[addr]; ok {
			report.OnEnvelope++
			continue
		}
		recipientCanPost := member.Membership.Admin || member.GroupManager || (group.MembersSend && member.MessagesEnabled())
		raw, _, err := f.composer.GroupMessage(outbound.GroupMail{
			Site:             site,
			Group:            group,
			Message:          msg,
			Sender:           sender,
			Recipient:        member.Person,
			SenderCanPost:    senderCanPost,
			RecipientCanPost: recipientCanPost,
		})
		if err == nil {
			err = f.mailer.Send(ctx, outbound.Envelope{From: site.NoReplyEmail(), To: []string{addr}}, raw)
		}
		if err != nil {
			report.Failed = append(report.Failed, addr)
			errs = append(errs, fmt.Errorf("deliver to %s: %w", addr, err))
			continue
		}
		alreadySent[addr] = struct{}{}
		report.Delivered = append(report.Delivered, addr)
	}
	report.Err = errors.Join(errs...)
	return report
}

func (f *MessageFactory) sendPrivate(ctx context.Context, site store.Site, msg store.Message, sender store.Person, alreadySent map[string]struct{}) DeliveryReport {
	var report DeliveryReport
	target, err := f.store.Person(ctx, msg.Destination.PersonID())
	if err != nil {
		report.Err = fmt.Errorf("load recipient: %w", err)
		return report
	}
	addr := strings.ToLower(strings.TrimSpace(target.Email))
	if !validEmail(addr) {
		return report
	}
	if _, ok := alreadySent[addr]; ok {
		report.OnEnvelope++
		return report
	}
	raw, _, err := f.composer.GroupMessage(outbound.GroupMail{Site: site, Message: msg, Sender: sender, Recipient: target})
	if err == nil {
		err = f.mailer.Send(ctx, outbound.Envelope{From: site.NoReplyEmail(), To: []string{addr}}, raw)
	}
	if err != nil {
		report.Failed = append(report.Failed, addr)
		report.Err = fmt.Errorf("deliver to %s: %w", addr, err)
		return report
	}
	alreadySent[addr] = struct{}{}
	report.Delivered = append(report.Delivered, addr)
	return report
}

func validEmail(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || !strings.EqualFold(parsed.Address, addr) {
		return false
	}
	_, domain := inbound.SplitAddress(addr)
	return strings.Contains(domain, ".")
}

func attachmentsFrom(email *inbound.Email) []store.Attachment {
	var out []store.Attachment
	for _, a := range email.Attachments {
		name := path.Base(strings.ReplaceAll(a.Name, "\\", "/"))
		if _, skip := ignoredAttachments[strings.ToLower(name)]; skip {
			continue
		}
		out = append(out, store.Attachment{
			Name:        name,
			ContentType: strings.TrimSpace(a.ContentType),
			Data:        a.Data,
			Size:        int64(len(a.Data)),
		})
	}
	return out
}
