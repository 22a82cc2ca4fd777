package store

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

type Site struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Host          string `db:"host"`
	EmailHost     string `db:"email_host"`
	SecondaryHost string `db:"secondary_host"`
	URL           string `db:"url"`
}

// MailHost is the domain group list addresses live on.
func (s Site) MailHost() string {
	if s.EmailHost != "" {
		return s.EmailHost
	}
	return s.Host
}

func (s Site) NoReplyEmail() string {
	return "noreply@" + s.Host
}

// ServesDomain reports whether domain is one of the site's mail domains.
func (s Site) ServesDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	if strings.EqualFold(domain, s.MailHost()) {
		return true
	}
	return s.SecondaryHost != "" && strings.EqualFold(domain, s.SecondaryHost)
}

type Family struct {
	ID     int64  `db:"id"`
	SiteID int64  `db:"site_id"`
	Name   string `db:"name"`
}

type Person struct {
	ID                  int64  `db:"id"`
	SiteID              int64  `db:"site_id"`
	FamilyID            int64  `db:"family_id"`
	FirstName           string `db:"first_name"`
	LastName            string `db:"last_name"`
	Email               string `db:"email"`
	AlternateEmail      string `db:"alternate_email"`
	PrimaryEmailer      bool   `db:"primary_emailer"`
	MessagesEnabledFlag bool   `db:"messages_enabled"`
	GroupManager        bool   `db:"group_manager"`
}

func (p Person) Name() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MessagesEnabled is false for people without an email even when the flag is set.
func (p Person) MessagesEnabled() bool {
	return p.MessagesEnabledFlag && strings.TrimSpace(p.Email) != ""
}

type Group struct {
	ID          int64  `db:"id"`
	SiteID      int64  `db:"site_id"`
	Name        string `db:"name"`
	Address     string `db:"address"`
	MembersSend bool   `db:"members_send"`
}

type Membership struct {
	GroupID  int64 `db:"group_id"`
	PersonID int64 `db:"person_id"`
	Admin    bool  `db:"admin"`
	GetEmail bool  `db:"get_email"`
}

// Member is a group member together with their membership options.
type Member struct {
	Person
	Membership Membership
}

type DestinationKind int

const (
	DestinationNone DestinationKind = iota
	DestinationGroup
	DestinationPrivate
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationGroup:
		return "group"
	case DestinationPrivate:
		return "private"
	default:
		return "none"
	}
}

// Destination is where a message goes: a group broadcast or one person.
type Destination struct {
	Kind DestinationKind
	ID   int64
}

func ToGroup(id int64) Destination   { return Destination{Kind: DestinationGroup, ID: id} }
func ToPerson(id int64) Destination  { return Destination{Kind: DestinationPrivate, ID: id} }
func (d Destination) Valid() bool    { return d.Kind != DestinationNone && d.ID > 0 }
func (d Destination) IsGroup() bool  { return d.Kind == DestinationGroup }
func (d Destination) GroupID() int64 { return d.idFor(DestinationGroup) }
func (d Destination) PersonID() int64 {
	return d.idFor(DestinationPrivate)
}

func (d Destination) idFor(kind DestinationKind) int64 {
	if d.Kind != kind {
		return 0
	}
	return d.ID
}

type Message struct {
	ID          int64
	SiteID      int64
	PersonID    int64
	Code        int64
	Subject     string
	Body        string
	HTMLBody    string
	ParentID    int64
	Destination Destination
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Attachments []Attachment
}

func (m Message) IsTopLevel() bool {
	return m.ParentID == 0
}

// CodeHash is the first six hex characters of the MD5 of the decimal code.
// Outbound Message-IDs and body markers carry it for loop detection.
func (m Message) CodeHash() string {
	return CodeHash(m.Code)
}

// IDAndCode renders the "id_hash" token used in Message-IDs and body markers.
func (m Message) IDAndCode() string {
	return strconv.FormatInt(m.ID, 10) + "_" + m.CodeHash()
}

func CodeHash(code int64) string {
	sum := md5.Sum([]byte(strconv.FormatInt(code, 10)))
	return hex.EncodeToString(sum[:])[:6]
}

type messageRow struct {
	ID         int64         `db:"id"`
	SiteID     int64         `db:"site_id"`
	PersonID   int64         `db:"person_id"`
	Code       int64         `db:"code"`
	Subject    string        `db:"subject"`
	Body       string        `db:"body"`
	HTMLBody   string        `db:"html_body"`
	ParentID   sql.NullInt64 `db:"parent_id"`
	GroupID    sql.NullInt64 `db:"group_id"`
	ToPersonID sql.NullInt64 `db:"to_person_id"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

func (r messageRow) message() Message {
	m := Message{
		ID:        r.ID,
		SiteID:    r.SiteID,
		PersonID:  r.PersonID,
		Code:      r.Code,
		Subject:   r.Subject,
		Body:      r.Body,
		HTMLBody:  r.HTMLBody,
		CreatedAt: time.Unix(r.CreatedAt, 0),
		UpdatedAt: time.Unix(r.UpdatedAt, 0),
	}
	if r.ParentID.Valid {
		m.ParentID = r.ParentID.Int64
	}
	switch {
	case r.GroupID.Valid:
		m.Destination = ToGroup(r.GroupID.Int64)
	case r.ToPersonID.Valid:
		m.Destination = ToPerson(r.ToPersonID.Int64)
	}
	return m
}

type Attachment struct {
	ID          int64  `db:"id"`
	MessageID   int64  `db:"message_id"`
	Name        string `db:"name"`
	ContentType string `db:"content_type"`
	Data        []byte `db:"data"`
	Size        int64  `db:"size"`
}

// Ingestion is one terminal pipeline outcome, kept for operators.
type Ingestion struct {
	ID              string
	HeaderMessageID string
	SiteID          int64
	From            string
	Subject         string
	Disposition     string
	Reason          string
	MessageIDs      []int64
	Delivered       int
	Failed          int
	CreatedAt       time.Time
}
