package zimi

import (
	"bytes"
	"testing"
)

func TestAuth_NoPasswordPassesEverything(t *testing.T) {
	t.Parallel()
	s := openTestState(t, t.TempDir(), "")
	a, err := NewAuthenticator(s, "")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if a.Required() {
		t.Error("Required with no password configured")
	}
	if !a.Check("") || !a.Check("anything") {
		t.Error("check failed with no password configured")
	}
}

func TestAuth_ConfiguredPassword(t *testing.T) {
	t.Parallel()
	s := openTestState(t, t.TempDir(), "")
	a, err := NewAuthenticator(s, "hunter2")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if !a.Required() {
		t.Error("Required false after configuring a password")
	}
	if !a.Check("hunter2") {
		t.Error("correct password rejected")
	}
	if a.Check("wrong") || a.Check("") {
		t.Error("wrong password accepted")
	}
}

func TestAuth_RehashesOnPasswordChange(t *testing.T) {
	t.Parallel()
	s := openTestState(t, t.TempDir(), "")
	if _, err := NewAuthenticator(s, "first"); err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	firstHash := s.PasswordHash()

	a, err := NewAuthenticator(s, "second")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if bytes.Equal(firstHash, s.PasswordHash()) {
		t.Error("hash not rewritten for a changed password")
	}
	if a.Check("first") {
		t.Error("old password still accepted")
	}
	if !a.Check("second") {
		t.Error("new password rejected")
	}
}

func TestAuth_KeepsMatchingHash(t *testing.T) {
	t.Parallel()
	s := openTestState(t, t.TempDir(), "")
	if _, err := NewAuthenticator(s, "stable"); err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	hash := s.PasswordHash()

	// Same password on restart keeps the stored hash.
	if _, err := NewAuthenticator(s, "stable"); err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	if !bytes.Equal(hash, s.PasswordHash()) {
		t.Error("matching password rewrote the hash")
	}
}
