package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/store"
)

// AddressResolver maps recipient addresses to a Site and its list Groups.
type AddressResolver struct {
	store *store.Store
}

func NewAddressResolver(st *store.Store) *AddressResolver {
	return &AddressResolver{store: st}
}

// ResolveSite tries every recipient domain against the known sites, then falls
// back to the site of a message referenced by an id marker in the body. That
// covers relays that rewrite the recipient domain.
func (r *AddressResolver) ResolveSite(ctx context.Context, email *inbound.Email) (store.Site, bool, error) {
	for _, addr := range email.Destinations() {
		_, domain := inbound.SplitAddress(addr)
		if domain == "" {
			continue
		}
		site, err := r.store.SiteByHost(ctx, domain)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.Site{}, false, fmt.Errorf("resolve site: %w", err)
		}
		return site, true, nil
	}

	m, ok := bodyMarkerIn(email)
	if !ok {
		return store.Site{}, false, nil
	}
	msg, err := r.store.MessageByID(ctx, m.id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Site{}, false, nil
	}
	if err != nil {
		return store.Site{}, false, fmt.Errorf("resolve site from marker: %w", err)
	}
	site, err := r.store.Site(ctx, msg.SiteID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Site{}, false, nil
	}
	if err != nil {
		return store.Site{}, false, fmt.Errorf("resolve site from marker: %w", err)
	}
	return site, true, nil
}

// ResolveGroups returns the site's groups addressed by the email, in the order
// their addresses appear, without duplicates.
func (r *AddressResolver) ResolveGroups(ctx context.Context, site store.Site, email *inbound.Email) ([]store.Group, error) {
	var groups []store.Group
	seen := map[int64]struct{}{}
	for _, addr := range email.Destinations() {
		local, domain := inbound.SplitAddress(addr)
		if local == "" || !site.ServesDomain(domain) {
			continue
		}
		group, err := r.store.GroupByAddress(ctx, site.ID, local)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve group %s: %w", addr, err)
		}
		if _, ok := seen[group.ID]; ok {
			continue
		}
		seen[group.ID] = struct{}{}
		groups = append(groups, group)
	}
	return groups, nil
}
