package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const (
	siteColumns   = `id, name, host, email_host, secondary_host, url`
	personColumns = `id, site_id, family_id, first_name, last_name, email, alternate_email, primary_emailer, messages_enabled, group_manager`
	groupColumns  = `id, site_id, name, address, members_send`
)

func (s *Store) Sites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := s.db.SelectContext(ctx, &sites, `SELECT `+siteColumns+` FROM sites ORDER BY id;`); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

func (s *Store) Site(ctx context.Context, id int64) (Site, error) {
	var site Site
	err := s.db.GetContext(ctx, &site, `SELECT `+siteColumns+` FROM sites WHERE id = ?;`, id)
	if err != nil {
		return Site{}, notFound(err, "get site")
	}
	return site, nil
}

// SiteByHost matches domain against the web host, the mail host and the secondary host.
func (s *Store) SiteByHost(ctx context.Context, domain string) (Site, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return Site{}, ErrNotFound
	}
	var site Site
	err := s.db.GetContext(ctx, &site, `SELECT `+siteColumns+` FROM sites
        WHERE lower(host) = ? OR lower(email_host) = ? OR lower(secondary_host) = ?
        ORDER BY id LIMIT 1;`, domain, domain, domain)
	if err != nil {
		return Site{}, notFound(err, "get site by host")
	}
	return site, nil
}

func (s *Store) UpsertSite(ctx context.Context, site Site) (Site, error) {
	site.Host = strings.ToLower(strings.TrimSpace(site.Host))
	site.EmailHost = strings.ToLower(strings.TrimSpace(site.EmailHost))
	site.SecondaryHost = strings.ToLower(strings.TrimSpace(site.SecondaryHost))
	err := s.db.GetContext(ctx, &site.ID, `INSERT INTO sites (name, host, email_host, secondary_host, url)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(host) DO UPDATE SET
            name = excluded.name,
            email_host = excluded.email_host,
            secondary_host = excluded.secondary_host,
            url = excluded.url
        RETURNING id;`,
		site.Name, site.Host, site.EmailHost, site.SecondaryHost, site.URL)
	if err != nil {
		return Site{}, fmt.Errorf("upsert site: %w", err)
	}
	return site, nil
}

func (s *Store) CreateFamily(ctx context.Context, family Family) (Family, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO families (site_id, name) VALUES (?, ?);`, family.SiteID, family.Name)
	if err != nil {
		return Family{}, fmt.Errorf("insert family: %w", err)
	}
	if family.ID, err = result.LastInsertId(); err != nil {
		return Family{}, fmt.Errorf("insert family: %w", err)
	}
	return family, nil
}

func (s *Store) CreatePerson(ctx context.Context, person Person) (Person, error) {
	person.Email = strings.ToLower(strings.TrimSpace(person.Email))
	person.AlternateEmail = strings.ToLower(strings.TrimSpace(person.AlternateEmail))
	result, err := s.db.ExecContext(ctx, `INSERT INTO people
        (site_id, family_id, first_name, last_name, email, alternate_email, primary_emailer, messages_enabled, group_manager)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		person.SiteID,
		person.FamilyID,
		person.FirstName,
		person.LastName,
		person.Email,
		person.AlternateEmail,
		person.PrimaryEmailer,
		person.MessagesEnabledFlag,
		person.GroupManager,
	)
	if err != nil {
		return Person{}, fmt.Errorf("insert person: %w", err)
	}
	if person.ID, err = result.LastInsertId(); err != nil {
		return Person{}, fmt.Errorf("insert person: %w", err)
	}
	return person, nil
}

func (s *Store) Person(ctx context.Context, id int64) (Person, error) {
	var person Person
	err := s.db.GetContext(ctx, &person, `SELECT `+personColumns+` FROM people WHERE id = ?;`, id)
	if err != nil {
		return Person{}, notFound(err, "get person")
	}
	return person, nil
}

// PeopleByEmail returns every person on the site whose primary email matches, ignoring case.
func (s *Store) PeopleByEmail(ctx context.Context, siteID int64, email string) ([]Person, error) {
	var people []Person
	err := s.db.SelectContext(ctx, &people, `SELECT `+personColumns+` FROM people
        WHERE site_id = ? AND lower(email) = ? ORDER BY id;`, siteID, normalize(email))
	if err != nil {
		return nil, fmt.Errorf("people by email: %w", err)
	}
	return people, nil
}

func (s *Store) PeopleByAlternateEmail(ctx context.Context, siteID int64, email string) ([]Person, error) {
	var people []Person
	err := s.db.SelectContext(ctx, &people, `SELECT `+personColumns+` FROM people
        WHERE site_id = ? AND alternate_email <> '' AND lower(alternate_email) = ? ORDER BY id;`, siteID, normalize(email))
	if err != nil {
		return nil, fmt.Errorf("people by alternate email: %w", err)
	}
	return people, nil
}

func (s *Store) CreateGroup(ctx context.Context, group Group) (Group, error) {
	group.Address = strings.TrimSpace(group.Address)
	result, err := s.db.ExecContext(ctx, `INSERT INTO member_groups (site_id, name, address, members_send)
        VALUES (?, ?, ?, ?);`, group.SiteID, group.Name, group.Address, group.MembersSend)
	if err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	if group.ID, err = result.LastInsertId(); err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	return group, nil
}

func (s *Store) Group(ctx context.Context, id int64) (Group, error) {
	var group Group
	err := s.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM member_groups WHERE id = ?;`, id)
	if err != nil {
		return Group{}, notFound(err, "get group")
	}
	return group, nil
}

// GroupByAddress looks up a list address local part on one site, ignoring case.
func (s *Store) GroupByAddress(ctx context.Context, siteID int64, local string) (Group, error) {
	local = normalize(local)
	if local == "" {
		return Group{}, ErrNotFound
	}
	var group Group
	err := s.db.GetContext(ctx, &group, `SELECT `+groupColumns+` FROM member_groups
        WHERE site_id = ? AND address <> '' AND lower(address) = ? LIMIT 1;`, siteID, local)
	if err != nil {
		return Group{}, notFound(err, "get group by address")
	}
	return group, nil
}

func (s *Store) AddMembership(ctx context.Context, membership Membership) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memberships (group_id, person_id, admin, get_email)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(group_id, person_id) DO UPDATE SET admin = excluded.admin, get_email = excluded.get_email;`,
		membership.GroupID, membership.PersonID, membership.Admin, membership.GetEmail)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *Store) Membership(ctx context.Context, groupID, personID int64) (Membership, error) {
	var membership Membership
	err := s.db.GetContext(ctx, &membership, `SELECT group_id, person_id, admin, get_email
        FROM memberships WHERE group_id = ? AND person_id = ?;`, groupID, personID)
	if err != nil {
		return Membership{}, notFound(err, "get membership")
	}
	return membership, nil
}

// MemberOfAny reports whether the person belongs to at least one of the groups.
func (s *Store) MemberOfAny(ctx context.Context, personID int64, groupIDs []int64) (bool, error) {
	if len(groupIDs) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(1) FROM memberships WHERE person_id = ? AND group_id IN (?);`, personID, groupIDs)
	if err != nil {
		return false, fmt.Errorf("member of any: %w", err)
	}
	var count int64
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("member of any: %w", err)
	}
	return count > 0, nil
}

type memberRow struct {
	Person
	Admin    bool `db:"admin"`
	GetEmail bool `db:"get_email"`
}

// GroupMembers returns members in person id order so fan-out order is stable.
func (s *Store) GroupMembers(ctx context.Context, groupID int64) ([]Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows, `SELECT p.id, p.site_id, p.family_id, p.first_name, p.last_name, p.email,
            p.alternate_email, p.primary_emailer, p.messages_enabled, p.group_manager, m.admin, m.get_email
        FROM memberships m
        JOIN people p ON p.id = m.person_id
        WHERE m.group_id = ?
        ORDER BY p.id;`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	members := make([]Member, 0, len(rows))
	for _, row := range rows {
		members = append(members, Member{
			Person: row.Person,
			Membership: Membership{
				GroupID:  groupID,
				PersonID: row.Person.ID,
				Admin:    row.Admin,
				GetEmail: row.GetEmail,
			},
		})
	}
	return members, nil
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// EnsureFamily returns the family with the same name on the site, creating it when missing.
func (s *Store) EnsureFamily(ctx context.Context, family Family) (Family, error) {
	err := s.db.GetContext(ctx, &family.ID, `SELECT id FROM families WHERE site_id = ? AND name = ? ORDER BY id LIMIT 1;`,
		family.SiteID, family.Name)
	if err == nil {
		return family, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Family{}, fmt.Errorf("find family: %w", err)
	}
	return s.CreateFamily(ctx, family)
}

// SavePerson updates the person with the same first name in the same family, or creates one.
func (s *Store) SavePerson(ctx context.Context, person Person) (Person, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM people
        WHERE site_id = ? AND family_id = ? AND first_name = ? ORDER BY id LIMIT 1;`,
		person.SiteID, person.FamilyID, person.FirstName)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreatePerson(ctx, person)
	}
	if err != nil {
		return Person{}, fmt.Errorf("find person: %w", err)
	}
	person.ID = id
	person.Email = normalize(person.Email)
	person.AlternateEmail = normalize(person.AlternateEmail)
	_, err = s.db.ExecContext(ctx, `UPDATE people SET last_name = ?, email = ?, alternate_email = ?,
            primary_emailer = ?, messages_enabled = ?, group_manager = ?
        WHERE id = ?;`,
		person.LastName, person.Email, person.AlternateEmail,
		person.PrimaryEmailer, person.MessagesEnabledFlag, person.GroupManager, person.ID)
	if err != nil {
		return Person{}, fmt.Errorf("update person: %w", err)
	}
	return person, nil
}

// SaveGroup updates the group with the same name on the site, or creates one.
func (s *Store) SaveGroup(ctx context.Context, group Group) (Group, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT id FROM member_groups WHERE site_id = ? AND name = ? ORDER BY id LIMIT 1;`,
		group.SiteID, group.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return s.CreateGroup(ctx, group)
	}
	if err != nil {
		return Group{}, fmt.Errorf("find group: %w", err)
	}
	group.ID = id
	group.Address = strings.TrimSpace(group.Address)
	_, err = s.db.ExecContext(ctx, `UPDATE member_groups SET address = ?, members_send = ? WHERE id = ?;`,
		group.Address, group.MembersSend, group.ID)
	if err != nil {
		return Group{}, fmt.Errorf("update group: %w", err)
	}
	return group, nil
}
