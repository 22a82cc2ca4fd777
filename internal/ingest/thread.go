package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/store"
)

var replyPrefixPattern = regexp.MustCompile(`(?i)^re:\s?`)

// ThreadMatcher places replies under an existing conversation.
type ThreadMatcher struct {
	store  *store.Store
	logger *slog.Logger
}

func NewThreadMatcher(st *store.Store, logger *slog.Logger) *ThreadMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadMatcher{store: st, logger: logger}
}

// FindParent tries the subject first since mail clients often drop threading
// headers. A referenced message only counts when its thread lives in group,
// so references into other groups or broken threads are skipped.
func (m *ThreadMatcher) FindParent(ctx context.Context, group store.Group, email *inbound.Email) (*store.Message, error) {
	if loc := replyPrefixPattern.FindStringIndex(email.Subject); loc != nil {
		stripped := email.Subject[loc[1]:]
		parent, err := m.store.LatestTopLevelBySubject(ctx, group.ID, stripped)
		if err == nil {
			return &parent, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find parent by subject: %w", err)
		}
	}

	var parent *store.Message
	err := m.eachReference(ctx, email, func(ref *store.Message, _ string) (bool, error) {
		top, err := m.store.Top(ctx, *ref)
		if errors.Is(err, store.ErrThreadTooDeep) || errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("ignore broken thread", "message_id", ref.ID, "error", err)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("find parent thread: %w", err)
		}
		if top.Destination != store.ToGroup(group.ID) {
			return false, nil
		}
		parent = ref
		return true, nil
	})
	return parent, err
}

// FindReference returns the first message named by In-Reply-To or References,
// then by an id marker in the body, with the code hash that came with it. The
// hash is not checked here.
func (m *ThreadMatcher) FindReference(ctx context.Context, email *inbound.Email) (*store.Message, string, error) {
	var found *store.Message
	var hash string
	err := m.eachReference(ctx, email, func(ref *store.Message, h string) (bool, error) {
		found, hash = ref, h
		return true, nil
	})
	if err != nil || found == nil {
		return nil, "", err
	}
	return found, hash, nil
}

// eachReference visits stored messages named by In-Reply-To, References and
// the body marker, in that order, until visit reports done.
func (m *ThreadMatcher) eachReference(ctx context.Context, email *inbound.Email, visit func(*store.Message, string) (bool, error)) error {
	var marks []marker
	for _, value := range append(append([]string{}, email.InReplyTo...), email.References...) {
		if mk, ok := headerMarker(value); ok {
			marks = append(marks, mk)
		}
	}
	if mk, ok := bodyMarkerIn(email); ok {
		marks = append(marks, mk)
	}

	seen := make(map[int64]struct{}, len(marks))
	for _, mk := range marks {
		if _, ok := seen[mk.id]; ok {
			continue
		}
		seen[mk.id] = struct{}{}
		msg, err := m.lookup(ctx, mk.id)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		done, err := visit(msg, mk.hash)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (m *ThreadMatcher) lookup(ctx context.Context, id int64) (*store.Message, error) {
	msg, err := m.store.MessageByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find referenced message: %w", err)
	}
	return &msg, nil
}
