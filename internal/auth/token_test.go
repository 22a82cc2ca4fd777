package auth

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestIssueAndParse(t *testing.T) {
	manager, err := New("secret", time.Hour)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	token, err := manager.Issue(" ops ", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	subject, err := manager.Parse(token, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if subject != "ops" {
		t.Fatalf("subject = %q", subject)
	}

	if _, err := manager.Parse(token, now.Add(2*time.Hour)); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	now := time.Now()
	a, _ := New("one", time.Hour)
	b, _ := New("two", time.Hour)
	token, err := a.Issue("ops", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Parse(token, now); err == nil {
		t.Fatal("expected signature mismatch")
	}
	if _, err := b.Parse("", now); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestGeneratedSecret(t *testing.T) {
	a, _ := New("", time.Hour)
	b, _ := New("  ", time.Hour)
	token, err := a.Issue("ops", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Parse(token, time.Now()); err == nil {
		t.Fatal("generated secrets should differ")
	}
	if _, err := a.Issue("", time.Now()); err == nil {
		t.Fatal("expected empty subject error")
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	tests := []struct {
		name     string
		expected string
		password string
		want     bool
	}{
		{"plain match", "hunter2", "hunter2", true},
		{"plain mismatch", "hunter2", "hunter3", false},
		{"bcrypt match", string(hash), "hunter2", true},
		{"bcrypt mismatch", string(hash), "hunter3", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckPassword(tt.expected, tt.password); got != tt.want {
				t.Fatalf("CheckPassword = %v, want %v", got, tt.want)
			}
		})
	}
}
