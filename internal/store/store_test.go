package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "listrelay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

type fixture struct {
	site   Site
	family Family
	person Person
	group  Group
}

func seedFixture(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	site, err := s.UpsertSite(ctx, Site{Name: "Grace", Host: "grace.example.com", EmailHost: "mail.grace.example.com"})
	if err != nil {
		t.Fatalf("upsert site: %v", err)
	}
	family, err := s.CreateFamily(ctx, Family{SiteID: site.ID, Name: "Smith"})
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	person, err := s.CreatePerson(ctx, Person{
		SiteID:              site.ID,
		FamilyID:            family.ID,
		FirstName:           "Jane",
		LastName:            "Smith",
		Email:               "Jane@Example.com",
		MessagesEnabledFlag: true,
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	group, err := s.CreateGroup(ctx, Group{SiteID: site.ID, Name: "Choir", Address: "Choir", MembersSend: true})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := s.AddMembership(ctx, Membership{GroupID: group.ID, PersonID: person.ID, GetEmail: true}); err != nil {
		t.Fatalf("add membership: %v", err)
	}
	return fixture{site: site, family: family, person: person, group: group}
}

func TestSiteByHostMatchesEveryHost(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	site, err := s.UpsertSite(ctx, Site{Name: "Grace", Host: "grace.example.com", EmailHost: "mail.grace.example.com", SecondaryHost: "grace.org"})
	if err != nil {
		t.Fatalf("upsert site: %v", err)
	}

	for _, host := range []string{"grace.example.com", "MAIL.grace.example.com", "grace.org"} {
		found, err := s.SiteByHost(ctx, host)
		if err != nil {
			t.Fatalf("site by host %q: %v", host, err)
		}
		if found.ID != site.ID {
			t.Fatalf("site by host %q: got %d want %d", host, found.ID, site.ID)
		}
	}
	if _, err := s.SiteByHost(ctx, "other.org"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSiteKeepsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first, err := s.UpsertSite(ctx, Site{Name: "Grace", Host: "grace.example.com"})
	if err != nil {
		t.Fatalf("upsert site: %v", err)
	}
	second, err := s.UpsertSite(ctx, Site{Name: "Grace Church", Host: "Grace.Example.com"})
	if err != nil {
		t.Fatalf("upsert site again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same id, got %d and %d", first.ID, second.ID)
	}
	site, err := s.Site(ctx, first.ID)
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if site.Name != "Grace Church" {
		t.Fatalf("expected updated name, got %q", site.Name)
	}
}

func TestGroupByAddressIgnoresCase(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	group, err := s.GroupByAddress(ctx, fx.site.ID, "CHOIR")
	if err != nil {
		t.Fatalf("group by address: %v", err)
	}
	if group.ID != fx.group.ID {
		t.Fatalf("got group %d want %d", group.ID, fx.group.ID)
	}
	if _, err := s.GroupByAddress(ctx, fx.site.ID+1, "choir"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other site miss, got %v", err)
	}
	if _, err := s.CreateGroup(ctx, Group{SiteID: fx.site.ID, Name: "Choir 2", Address: "choir"}); err == nil {
		t.Fatal("expected duplicate address to be rejected")
	}
}

func TestPeopleByEmailIgnoresCase(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)

	people, err := s.PeopleByEmail(context.Background(), fx.site.ID, " JANE@example.COM ")
	if err != nil {
		t.Fatalf("people by email: %v", err)
	}
	if len(people) != 1 || people[0].ID != fx.person.ID {
		t.Fatalf("unexpected people: %+v", people)
	}
}

func TestGroupMembersAndMemberOfAny(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	members, err := s.GroupMembers(ctx, fx.group.ID)
	if err != nil {
		t.Fatalf("group members: %v", err)
	}
	if len(members) != 1 || members[0].ID != fx.person.ID || !members[0].Membership.GetEmail {
		t.Fatalf("unexpected members: %+v", members)
	}

	ok, err := s.MemberOfAny(ctx, fx.person.ID, []int64{999, fx.group.ID})
	if err != nil {
		t.Fatalf("member of any: %v", err)
	}
	if !ok {
		t.Fatal("expected membership")
	}
	ok, err = s.MemberOfAny(ctx, fx.person.ID, []int64{999})
	if err != nil {
		t.Fatalf("member of any: %v", err)
	}
	if ok {
		t.Fatal("expected no membership")
	}
}

func TestInsertMessageWithAttachments(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	msg := Message{
		SiteID:      fx.site.ID,
		PersonID:    fx.person.ID,
		Code:        42,
		Subject:     "Hello",
		Body:        "Hi all",
		Destination: ToGroup(fx.group.ID),
		Attachments: []Attachment{{Name: "notes.txt", ContentType: "text/plain", Data: []byte("abc")}},
	}
	if err := s.InsertMessage(ctx, &msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if msg.ID == 0 || msg.Attachments[0].ID == 0 {
		t.Fatalf("expected ids to be set: %+v", msg)
	}

	stored, err := s.MessageByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("message by id: %v", err)
	}
	if stored.Destination != ToGroup(fx.group.ID) || !stored.IsTopLevel() {
		t.Fatalf("unexpected stored message: %+v", stored)
	}
	attachments, err := s.Attachments(ctx, msg.ID)
	if err != nil {
		t.Fatalf("attachments: %v", err)
	}
	if len(attachments) != 1 || string(attachments[0].Data) != "abc" || attachments[0].Size != 3 {
		t.Fatalf("unexpected attachments: %+v", attachments)
	}

	if err := s.InsertMessage(ctx, &Message{SiteID: fx.site.ID, PersonID: fx.person.ID, Subject: "x"}); err == nil {
		t.Fatal("expected error for message without destination")
	}
}

func TestLatestTopLevelBySubject(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	insert := func(subject string, parent int64) Message {
		t.Helper()
		msg := Message{SiteID: fx.site.ID, PersonID: fx.person.ID, Code: 1, Subject: subject, Body: "b", ParentID: parent, Destination: ToGroup(fx.group.ID)}
		if err := s.InsertMessage(ctx, &msg); err != nil {
			t.Fatalf("insert message: %v", err)
		}
		return msg
	}
	insert("Hello", 0)
	newest := insert("Hello", 0)
	insert("Hello", newest.ID)

	found, err := s.LatestTopLevelBySubject(ctx, fx.group.ID, "Hello")
	if err != nil {
		t.Fatalf("latest by subject: %v", err)
	}
	if found.ID != newest.ID {
		t.Fatalf("got %d want %d", found.ID, newest.ID)
	}
	if _, err := s.LatestTopLevelBySubject(ctx, fx.group.ID, "hello"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected exact subject match, got %v", err)
	}
}

func TestHasRecentDuplicate(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()
	now := time.Now()

	old := Message{SiteID: fx.site.ID, PersonID: fx.person.ID, Code: 1, Subject: "Hello", Body: "same", Destination: ToGroup(fx.group.ID), CreatedAt: now.Add(-2 * time.Hour)}
	if err := s.InsertMessage(ctx, &old); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	tests := []struct {
		name  string
		msg   Message
		since time.Time
		want  bool
	}{
		{"same within window", Message{PersonID: fx.person.ID, Subject: "Hello", Body: "same", Destination: ToGroup(fx.group.ID)}, now.Add(-24 * time.Hour), true},
		{"outside window", Message{PersonID: fx.person.ID, Subject: "Hello", Body: "same", Destination: ToGroup(fx.group.ID)}, now.Add(-time.Hour), false},
		{"different body", Message{PersonID: fx.person.ID, Subject: "Hello", Body: "other", Destination: ToGroup(fx.group.ID)}, now.Add(-24 * time.Hour), false},
		{"private target", Message{PersonID: fx.person.ID, Subject: "Hello", Body: "same", Destination: ToPerson(fx.person.ID)}, now.Add(-24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.HasRecentDuplicate(ctx, tt.msg, tt.since)
			if err != nil {
				t.Fatalf("has recent duplicate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestTopStopsOnCycles(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	first := Message{SiteID: fx.site.ID, PersonID: fx.person.ID, Code: 1, Subject: "Hello", Body: "b", Destination: ToGroup(fx.group.ID)}
	if err := s.InsertMessage(ctx, &first); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	reply := Message{SiteID: fx.site.ID, PersonID: fx.person.ID, Code: 2, Subject: "Re: Hello", Body: "b", ParentID: first.ID, Destination: ToGroup(fx.group.ID)}
	if err := s.InsertMessage(ctx, &reply); err != nil {
		t.Fatalf("insert reply: %v", err)
	}

	top, err := s.Top(ctx, reply)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if top.ID != first.ID {
		t.Fatalf("got top %d want %d", top.ID, first.ID)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET parent_id = ? WHERE id = ?;`, reply.ID, first.ID); err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	reply, _ = s.MessageByID(ctx, reply.ID)
	if _, err := s.Top(ctx, reply); !errors.Is(err, ErrThreadTooDeep) {
		t.Fatalf("expected ErrThreadTooDeep, got %v", err)
	}
}

func TestMarkProcessedSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkProcessed(ctx, "<abc@example.com>", time.Now())
			if err != nil {
				t.Errorf("mark processed: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	processed, err := s.IsProcessed(ctx, "<abc@example.com>")
	if err != nil || !processed {
		t.Fatalf("expected processed, got %v %v", processed, err)
	}
}

func TestUnmarkProcessedAllowsNewClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if won, err := s.MarkProcessed(ctx, "<abc@example.com>", time.Now()); err != nil || !won {
		t.Fatalf("first mark: %v %v", won, err)
	}
	if err := s.UnmarkProcessed(ctx, " <abc@example.com> "); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	if processed, err := s.IsProcessed(ctx, "<abc@example.com>"); err != nil || processed {
		t.Fatalf("expected unprocessed, got %v %v", processed, err)
	}
	if won, err := s.MarkProcessed(ctx, "<abc@example.com>", time.Now()); err != nil || !won {
		t.Fatalf("second mark: %v %v", won, err)
	}
	if err := s.UnmarkProcessed(ctx, "<missing@example.com>"); err != nil {
		t.Fatalf("unmark missing: %v", err)
	}
}

func TestIngestionLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	entries := []Ingestion{
		{ID: "a", SiteID: 1, Disposition: "delivered", MessageIDs: []int64{4, 5}, Delivered: 3, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "b", SiteID: 1, Disposition: "rejected", Reason: "unknown_person", CreatedAt: now.Add(-time.Hour)},
		{ID: "c", SiteID: 2, Disposition: "ignored", CreatedAt: now},
	}
	for _, entry := range entries {
		if err := s.RecordIngestion(ctx, entry); err != nil {
			t.Fatalf("record ingestion: %v", err)
		}
	}

	list, total, err := s.ListIngestions(ctx, 1, "", "oldest", 0, 10)
	if err != nil {
		t.Fatalf("list ingestions: %v", err)
	}
	if total != 2 || len(list) != 2 || list[0].ID != "a" {
		t.Fatalf("unexpected list: total=%d %+v", total, list)
	}
	if len(list[0].MessageIDs) != 2 || list[0].MessageIDs[1] != 5 {
		t.Fatalf("unexpected message ids: %v", list[0].MessageIDs)
	}

	pruned, err := s.PruneIngestions(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected one pruned row, got %d", pruned)
	}
	_, total, err = s.ListIngestions(ctx, 0, "", "", 0, 10)
	if err != nil {
		t.Fatalf("list ingestions: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 remaining, got %d", total)
	}
}

func TestSavePersonUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	fx := seedFixture(t, s)
	ctx := context.Background()

	updated := fx.person
	updated.ID = 0
	updated.Email = "jane.new@example.com"
	saved, err := s.SavePerson(ctx, updated)
	if err != nil {
		t.Fatalf("save person: %v", err)
	}
	if saved.ID != fx.person.ID {
		t.Fatalf("expected update of %d, got %d", fx.person.ID, saved.ID)
	}
	person, err := s.Person(ctx, saved.ID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if person.Email != "jane.new@example.com" {
		t.Fatalf("unexpected email %q", person.Email)
	}
}

func TestCodeHash(t *testing.T) {
	// md5("123456") = e10adc3949ba59abbe56e057f20f883e
	msg := Message{ID: 7, Code: 123456}
	if got := msg.CodeHash(); got != "e10adc" {
		t.Fatalf("code hash: got %q", got)
	}
	if got := msg.IDAndCode(); got != "7_e10adc" {
		t.Fatalf("id and code: got %q", got)
	}
}
