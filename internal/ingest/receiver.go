// Package ingest routes inbound list mail: it resolves the site, sender and
// groups, threads replies, stores messages and fans them out to members.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/outbound"
	"github.io/infrasutra/listrelay/internal/store"
)

// Receiver runs the whole pipeline for one email at a time. It is safe to
// call Receive from several goroutines.
type Receiver struct {
	addresses *AddressResolver
	senders   *SenderResolver
	guard     *DuplicateGuard
	threads   *ThreadMatcher
	factory   *MessageFactory
	notifier  *RejectionNotifier
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	composer  *outbound.Composer
}

type Option func(*Receiver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(r *Receiver) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

func WithComposer(composer *outbound.Composer) Option {
	return func(r *Receiver) {
		if composer != nil {
			r.composer = composer
		}
	}
}

func NewReceiver(st *store.Store, mailer outbound.Mailer, opts ...Option) *Receiver {
	r := &Receiver{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.composer == nil {
		r.composer = &outbound.Composer{Now: r.now}
	}
	r.addresses = NewAddressResolver(st)
	r.senders = NewSenderResolver(st)
	r.guard = NewDuplicateGuard(st, r.now)
	r.threads = NewThreadMatcher(st, r.logger)
	r.factory = NewMessageFactory(st, r.threads, mailer, r.composer, r.logger, r.now)
	r.notifier = NewRejectionNotifier(mailer, r.composer)
	return r
}

// Receive decides what happens to one email. The returned error is non-nil
// when the email could not be claimed, or when a store fault interrupted
// routing. In the second case the claim is released and the Outcome is
// Deferred, so the caller may retry. Other failures are logged and folded
// into the Outcome.
func (r *Receiver) Receive(ctx context.Context, email *inbound.Email) (Outcome, error) {
	out := Outcome{
		ID:         uuid.NewString(),
		MessageID:  email.MessageID,
		From:       email.From.Email,
		Subject:    email.Subject,
		ReceivedAt: r.now(),
	}
	logger := r.logger.With("message_id", email.MessageID, "from", email.From.Email)

	reason, filtered := Filter(email)
	if !filtered {
		loop, err := r.guard.IsLoop(ctx, email)
		if err != nil {
			logger.Warn("loop check failed", "error", err)
		}
		if loop {
			reason, filtered = FilterLoop, true
		}
	}

	won, err := r.guard.Claim(ctx, email)
	if err != nil {
		logger.Error("claim inbound email", "error", err)
		return out, err
	}
	switch {
	case filtered:
		out.Disposition, out.Reason = Ignored, string(reason)
		return r.finish(ctx, logger, out), nil
	case !won:
		out.Disposition = AlreadyProcessed
		return r.finish(ctx, logger, out), nil
	}

	if err := r.route(ctx, logger, email, &out); err != nil {
		logger.Error("route inbound email", "error", err)
		if rerr := r.guard.Release(ctx, email); rerr != nil {
			logger.Error("release claim", "error", rerr)
		}
		out.Disposition, out.Reason = Deferred, "store_error"
		return r.finish(ctx, logger, out), err
	}
	return r.finish(ctx, logger, out), nil
}

// route fills in the outcome. A non-nil error means a store fault left the
// email partly handled and no notice was sent.
func (r *Receiver) route(ctx context.Context, logger *slog.Logger, email *inbound.Email, out *Outcome) error {
	site, ok, err := r.addresses.ResolveSite(ctx, email)
	if err != nil {
		return err
	}
	if !ok {
		out.Disposition, out.Reason = Aborted, "no_site"
		return nil
	}
	out.SiteID, out.SiteHost = site.ID, site.Host
	logger = logger.With("site", site.Host)

	groups, err := r.addresses.ResolveGroups(ctx, site, email)
	if err != nil {
		return err
	}

	match, err := r.senders.Resolve(ctx, site, email, groups)
	if err != nil {
		return err
	}
	if match.Status != SenderFound {
		rejection := Rejection{Reason: ReasonUnknownPerson}
		if match.Status == SenderAmbiguous {
			rejection.Reason = ReasonMultiplePeople
		}
		if len(groups) == 0 {
			out.Disposition, out.Reason = Aborted, string(rejection.Reason)
			return nil
		}
		r.reject(ctx, logger, site, email, rejection, out)
		return nil
	}
	sender := match.Person
	logger = logger.With("person_id", sender.ID)

	body := ExtractBody(email)
	if body.Empty() {
		r.reject(ctx, logger, site, email, Rejection{Reason: ReasonCannotRead}, out)
		return nil
	}

	alreadySent := map[string]struct{}{}
	for _, addr := range email.HeaderRecipients() {
		alreadySent[addr] = struct{}{}
	}

	// A group that fails on a store error is skipped so the others still get
	// the mail. On retry the groups already stored are silent duplicates.
	var storeErrs []error
	suppressed := false
	reached := false
	for _, group := range groups {
		allowed, err := r.factory.CanPost(ctx, group, sender)
		if err != nil {
			logger.Error("check posting rights", "group_id", group.ID, "error", err)
			storeErrs = append(storeErrs, err)
			continue
		}
		if !allowed {
			logger.Info("sender may not post to group", "group_id", group.ID)
			continue
		}

		created, err := r.factory.CreateFromInbound(ctx, FactoryInput{
			Site:        site,
			Group:       group,
			Sender:      sender,
			Email:       email,
			Body:        body,
			AlreadySent: alreadySent,
		})
		var verr *ValidationError
		switch {
		case errors.As(err, &verr) && verr.Silent():
			logger.Info("message suppressed", "group_id", group.ID, "reason", verr.Error())
			suppressed = true
			continue
		case errors.As(err, &verr):
			r.reject(ctx, logger, site, email, Rejection{Reason: ReasonInvalid, Detail: verr.Error()}, out)
			return nil
		case err != nil:
			logger.Error("create message", "group_id", group.ID, "error", err)
			storeErrs = append(storeErrs, fmt.Errorf("group %d: %w", group.ID, err))
			continue
		}

		report := created.Report
		out.MessageIDs = append(out.MessageIDs, created.Message.ID)
		out.Delivered += len(report.Delivered)
		out.Failed += len(report.Failed)
		if report.Err != nil {
			logger.Warn("fan-out incomplete", "group_id", group.ID, "message", created.Message.ID, "error", report.Err)
		}
		if report.Reached() {
			reached = true
		}
	}
	if len(storeErrs) > 0 {
		return errors.Join(storeErrs...)
	}

	switch {
	case reached:
		out.Disposition = Delivered
	case len(out.MessageIDs) == 0 && suppressed:
		out.Disposition, out.Reason = Suppressed, "duplicate_or_autoreply"
	default:
		r.reject(ctx, logger, site, email, Rejection{Reason: ReasonNoRecipients}, out)
	}
	return nil
}

func (r *Receiver) reject(ctx context.Context, logger *slog.Logger, site store.Site, email *inbound.Email, rejection Rejection, out *Outcome) {
	out.Disposition, out.Reason = Rejected, string(rejection.Reason)
	if err := r.notifier.Notify(ctx, site, email, rejection); err != nil {
		logger.Error("send rejection notice", "reason", rejection.Reason, "error", err)
	}
}

func (r *Receiver) finish(ctx context.Context, logger *slog.Logger, out Outcome) Outcome {
	logger.Info("inbound email handled",
		"disposition", out.Disposition,
		"reason", out.Reason,
		"messages", out.MessageIDs,
		"delivered", out.Delivered,
		"failed", out.Failed,
	)
	for _, observer := range r.observers {
		if err := observer.Observe(ctx, out); err != nil {
			logger.Warn("observe outcome", "error", fmt.Errorf("%s: %w", out.Disposition, err))
		}
	}
	return out
}
