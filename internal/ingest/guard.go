package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/store"
)

type FilterReason string

const (
	FilterNoSender      FilterReason = "no_sender"
	FilterAutoSubmitted FilterReason = "auto_submitted"
	FilterNullReturn    FilterReason = "null_return_path"
	FilterSystemAddress FilterReason = "system_address"
	FilterBounceSubject FilterReason = "bounce_subject"
	FilterLoop          FilterReason = "loop"
)

var (
	systemAddressPattern = regexp.MustCompile(`(?i)no-?reply|postmaster|mailer-daemon`)
	bounceSubjectPattern = regexp.MustCompile(`(?i)^(undelivered mail returned to sender|returned mail|delivery failure)`)
)

// Filter applies the header-only checks that drop bounces, auto-replies and
// mail from or to system mailboxes.
func Filter(email *inbound.Email) (FilterReason, bool) {
	if strings.TrimSpace(email.From.Email) == "" {
		return FilterNoSender, true
	}
	if email.Header.Has("Auto-Submitted") {
		switch strings.ToLower(strings.TrimSpace(email.Header.Get("Auto-Submitted"))) {
		case "false", "no":
		default:
			return FilterAutoSubmitted, true
		}
	}
	if path, ok := email.ReturnPath(); ok && (path == "" || path == "<>") {
		return FilterNullReturn, true
	}
	for _, addr := range email.HeaderRecipients() {
		if systemAddressPattern.MatchString(addr) {
			return FilterSystemAddress, true
		}
	}
	if systemAddressPattern.MatchString(email.From.Email) {
		return FilterSystemAddress, true
	}
	if bounceSubjectPattern.MatchString(email.Subject) {
		return FilterBounceSubject, true
	}
	return "", false
}

// DuplicateGuard keeps the pipeline from ingesting its own mail or the same
// email twice.
type DuplicateGuard struct {
	store *store.Store
	now   func() time.Time
}

func NewDuplicateGuard(st *store.Store, now func() time.Time) *DuplicateGuard {
	if now == nil {
		now = time.Now
	}
	return &DuplicateGuard{store: st, now: now}
}

// IsLoop reports whether the Message-ID is one we minted for a stored message.
// Both the id and the code hash must match.
func (g *DuplicateGuard) IsLoop(ctx context.Context, email *inbound.Email) (bool, error) {
	m, ok := headerMarker(email.MessageID)
	if !ok {
		return false, nil
	}
	msg, err := g.store.MessageByID(ctx, m.id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check loop: %w", err)
	}
	return msg.CodeHash() == m.hash, nil
}

// Claim records the email's Message-ID. Only one of several concurrent
// deliveries of the same email wins. Mail without a Message-ID always wins.
func (g *DuplicateGuard) Claim(ctx context.Context, email *inbound.Email) (bool, error) {
	if strings.TrimSpace(email.MessageID) == "" {
		return true, nil
	}
	won, err := g.store.MarkProcessed(ctx, email.MessageID, g.now())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", email.MessageID, err)
	}
	return won, nil
}

// Release gives up a claim made by Claim, for mail that must be retried.
func (g *DuplicateGuard) Release(ctx context.Context, email *inbound.Email) error {
	if strings.TrimSpace(email.MessageID) == "" {
		return nil
	}
	if err := g.store.UnmarkProcessed(ctx, email.MessageID); err != nil {
		return fmt.Errorf("release %s: %w", email.MessageID, err)
	}
	return nil
}
