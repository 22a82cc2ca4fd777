// Package directory loads site, family, people and group records from a YAML
// seed file into the store.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.io/infrasutra/listrelay/internal/store"
)

type Document struct {
	Sites []SiteSeed `yaml:"sites"`
}

type SiteSeed struct {
	Name          string       `yaml:"name"`
	Host          string       `yaml:"host"`
	EmailHost     string       `yaml:"email_host"`
	SecondaryHost string       `yaml:"secondary_host"`
	URL           string       `yaml:"url"`
	Families      []FamilySeed `yaml:"families"`
	Groups        []GroupSeed  `yaml:"groups"`
}

type FamilySeed struct {
	Name   string       `yaml:"name"`
	People []PersonSeed `yaml:"people"`
}

type PersonSeed struct {
	FirstName       string `yaml:"first_name"`
	LastName        string `yaml:"last_name"`
	Email           string `yaml:"email"`
	AlternateEmail  string `yaml:"alternate_email"`
	PrimaryEmailer  bool   `yaml:"primary_emailer"`
	MessagesEnabled *bool  `yaml:"messages_enabled"`
	GroupManager    bool   `yaml:"group_manager"`
}

type GroupSeed struct {
	Name        string       `yaml:"name"`
	Address     string       `yaml:"address"`
	MembersSend *bool        `yaml:"members_send"`
	Members     []MemberSeed `yaml:"members"`
}

// MemberSeed points at a person by family name and first name.
type MemberSeed struct {
	Family    string `yaml:"family"`
	FirstName string `yaml:"first_name"`
	Admin     bool   `yaml:"admin"`
	GetEmail  *bool  `yaml:"get_email"`
}

type Summary struct {
	Sites       int
	Families    int
	People      int
	Groups      int
	Memberships int
}

func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse seed file: %w", err)
	}
	if err := doc.validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (d Document) validate() error {
	var problems []error
	for i, site := range d.Sites {
		if strings.TrimSpace(site.Host) == "" {
			problems = append(problems, fmt.Errorf("sites[%d]: host is required", i))
		}
		for j, family := range site.Families {
			if strings.TrimSpace(family.Name) == "" {
				problems = append(problems, fmt.Errorf("sites[%d].families[%d]: name is required", i, j))
			}
			for k, person := range family.People {
				if strings.TrimSpace(person.FirstName) == "" {
					problems = append(problems, fmt.Errorf("sites[%d].families[%d].people[%d]: first_name is required", i, j, k))
				}
			}
		}
		for j, group := range site.Groups {
			if strings.TrimSpace(group.Name) == "" {
				problems = append(problems, fmt.Errorf("sites[%d].groups[%d]: name is required", i, j))
			}
		}
	}
	return errors.Join(problems...)
}

type personKey struct {
	family, firstName string
}

func keyFor(family, firstName string) personKey {
	return personKey{strings.ToLower(strings.TrimSpace(family)), strings.ToLower(strings.TrimSpace(firstName))}
}

// Apply upserts every record in doc. Records are matched by natural keys so
// the same file can be applied repeatedly.
func Apply(ctx context.Context, st *store.Store, doc Document) (Summary, error) {
	var summary Summary
	for _, seed := range doc.Sites {
		site, err := st.UpsertSite(ctx, store.Site{
			Name:          seed.Name,
			Host:          seed.Host,
			EmailHost:     seed.EmailHost,
			SecondaryHost: seed.SecondaryHost,
			URL:           seed.URL,
		})
		if err != nil {
			return summary, err
		}
		summary.Sites++

		people := map[personKey]int64{}
		for _, fs := range seed.Families {
			family, err := st.EnsureFamily(ctx, store.Family{SiteID: site.ID, Name: strings.TrimSpace(fs.Name)})
			if err != nil {
				return summary, err
			}
			summary.Families++
			for _, ps := range fs.People {
				person, err := st.SavePerson(ctx, store.Person{
					SiteID:              site.ID,
					FamilyID:            family.ID,
					FirstName:           strings.TrimSpace(ps.FirstName),
					LastName:            strings.TrimSpace(ps.LastName),
					Email:               ps.Email,
					AlternateEmail:      ps.AlternateEmail,
					PrimaryEmailer:      ps.PrimaryEmailer,
					MessagesEnabledFlag: boolOr(ps.MessagesEnabled, true),
					GroupManager:        ps.GroupManager,
				})
				if err != nil {
					return summary, err
				}
				people[keyFor(fs.Name, ps.FirstName)] = person.ID
				summary.People++
			}
		}

		for _, gs := range seed.Groups {
			group, err := st.SaveGroup(ctx, store.Group{
				SiteID:      site.ID,
				Name:        strings.TrimSpace(gs.Name),
				Address:     gs.Address,
				MembersSend: boolOr(gs.MembersSend, true),
			})
			if err != nil {
				return summary, err
			}
			summary.Groups++
			for _, ms := range gs.Members {
				personID, ok := people[keyFor(ms.Family, ms.FirstName)]
				if !ok {
					return summary, fmt.Errorf("group %q: unknown member %s/%s", gs.Name, ms.Family, ms.FirstName)
				}
				err := st.AddMembership(ctx, store.Membership{
					GroupID:  group.ID,
					PersonID: personID,
					Admin:    ms.Admin,
					GetEmail: boolOr(ms.GetEmail, true),
				})
				if err != nil {
					return summary, err
				}
				summary.Memberships++
			}
		}
	}
	return summary, nil
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
