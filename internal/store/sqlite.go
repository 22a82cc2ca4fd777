package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrThreadTooDeep = errors.New("thread exceeds maximum depth")
)

// MaxThreadDepth bounds parent walks so a corrupt parent chain cannot loop forever.
const MaxThreadDepth = 64

type Store struct {
	db *sqlx.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sites (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            host TEXT NOT NULL UNIQUE,
            email_host TEXT NOT NULL DEFAULT '',
            secondary_host TEXT NOT NULL DEFAULT '',
            url TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS families (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            site_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            FOREIGN KEY(site_id) REFERENCES sites(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS people (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            site_id INTEGER NOT NULL,
            family_id INTEGER NOT NULL,
            first_name TEXT NOT NULL,
            last_name TEXT NOT NULL DEFAULT '',
            email TEXT NOT NULL DEFAULT '',
            alternate_email TEXT NOT NULL DEFAULT '',
            primary_emailer INTEGER NOT NULL DEFAULT 0,
            messages_enabled INTEGER NOT NULL DEFAULT 1,
            group_manager INTEGER NOT NULL DEFAULT 0,
            FOREIGN KEY(site_id) REFERENCES sites(id) ON DELETE CASCADE,
            FOREIGN KEY(family_id) REFERENCES families(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS member_groups (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            site_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            address TEXT NOT NULL DEFAULT '',
            members_send INTEGER NOT NULL DEFAULT 1,
            FOREIGN KEY(site_id) REFERENCES sites(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS memberships (
            group_id INTEGER NOT NULL,
            person_id INTEGER NOT NULL,
            admin INTEGER NOT NULL DEFAULT 0,
            get_email INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY(group_id, person_id),
            FOREIGN KEY(group_id) REFERENCES member_groups(id) ON DELETE CASCADE,
            FOREIGN KEY(person_id) REFERENCES people(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            site_id INTEGER NOT NULL,
            person_id INTEGER NOT NULL,
            code INTEGER NOT NULL,
            subject TEXT NOT NULL,
            body TEXT NOT NULL DEFAULT '',
            html_body TEXT NOT NULL DEFAULT '',
            parent_id INTEGER,
            group_id INTEGER,
            to_person_id INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK ((group_id IS NULL) <> (to_person_id IS NULL)),
            FOREIGN KEY(site_id) REFERENCES sites(id) ON DELETE CASCADE,
            FOREIGN KEY(group_id) REFERENCES member_groups(id) ON DELETE CASCADE,
            FOREIGN KEY(parent_id) REFERENCES messages(id) ON DELETE SET NULL
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id INTEGER NOT NULL,
            name TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
            header_message_id TEXT PRIMARY KEY,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS ingestions (
            id TEXT PRIMARY KEY,
            header_message_id TEXT NOT NULL DEFAULT '',
            site_id INTEGER NOT NULL DEFAULT 0,
            from_email TEXT NOT NULL DEFAULT '',
            subject TEXT NOT NULL DEFAULT '',
            disposition TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            message_ids TEXT NOT NULL DEFAULT '',
            delivered INTEGER NOT NULL DEFAULT 0,
            failed INTEGER NOT NULL DEFAULT 0,
            created_at INTEGER NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_groups_site_address ON member_groups(site_id, lower(address)) WHERE address <> '';`,
		`CREATE INDEX IF NOT EXISTS idx_people_site_email ON people(site_id, lower(email));`,
		`CREATE INDEX IF NOT EXISTS idx_people_site_alternate ON people(site_id, lower(alternate_email));`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_person ON memberships(person_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_subject ON messages(group_id, subject);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_person_created ON messages(person_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_ingestions_created ON ingestions(created_at, id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
