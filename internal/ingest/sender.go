package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/store"
)

type SenderStatus int

const (
	SenderUnknown SenderStatus = iota
	SenderFound
	SenderAmbiguous
)

func (s SenderStatus) String() string {
	switch s {
	case SenderFound:
		return "found"
	case SenderAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

type SenderMatch struct {
	Status SenderStatus
	Person store.Person
}

// SenderResolver finds the Person who sent an email. Family members often
// share one mailbox, so several people can own the same address.
type SenderResolver struct {
	store *store.Store
}

func NewSenderResolver(st *store.Store) *SenderResolver {
	return &SenderResolver{store: st}
}

func (r *SenderResolver) Resolve(ctx context.Context, site store.Site, email *inbound.Email, groups []store.Group) (SenderMatch, error) {
	from := email.From.Email
	if strings.TrimSpace(from) == "" {
		return SenderMatch{Status: SenderUnknown}, nil
	}

	people, err := r.store.PeopleByEmail(ctx, site.ID, from)
	if err != nil {
		return SenderMatch{}, fmt.Errorf("resolve sender: %w", err)
	}
	switch len(people) {
	case 1:
		return found(people[0]), nil
	case 0:
		alternates, err := r.store.PeopleByAlternateEmail(ctx, site.ID, from)
		if err != nil {
			return SenderMatch{}, fmt.Errorf("resolve sender: %w", err)
		}
		if len(alternates) > 0 {
			return found(alternates[0]), nil
		}
		return SenderMatch{Status: SenderUnknown}, nil
	}

	if person, ok := single(people, func(p store.Person) bool { return p.PrimaryEmailer }); ok {
		return found(person), nil
	}
	if name := firstToken(email.From.Name); name != "" {
		if person, ok := single(people, func(p store.Person) bool { return firstToken(p.Name()) == name }); ok {
			return found(person), nil
		}
	}
	if len(groups) > 0 {
		groupIDs := make([]int64, 0, len(groups))
		for _, g := range groups {
			groupIDs = append(groupIDs, g.ID)
		}
		var members []store.Person
		for _, p := range people {
			ok, err := r.store.MemberOfAny(ctx, p.ID, groupIDs)
			if err != nil {
				return SenderMatch{}, fmt.Errorf("resolve sender: %w", err)
			}
			if ok {
				members = append(members, p)
			}
		}
		if len(members) == 1 {
			return found(members[0]), nil
		}
	}
	return SenderMatch{Status: SenderAmbiguous}, nil
}

func found(p store.Person) SenderMatch {
	return SenderMatch{Status: SenderFound, Person: p}
}

func single(people []store.Person, keep func(store.Person) bool) (store.Person, bool) {
	var match store.Person
	count := 0
	for _, p := range people {
		if keep(p) {
			match = p
			count++
		}
	}
	return match, count == 1
}

func firstToken(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
