package main

import (
	"net/url"
	"testing"
)

func TestMintSessionIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := mintSessionID()
		if !legacySessionIDRe.MatchString(id) {
			t.Fatalf("minted id %q does not match the session-id grammar", id)
		}
		if seen[id] {
			t.Fatalf("minted id %q twice", id)
		}
		seen[id] = true
	}
}

func TestSessionMapLifecycle(t *testing.T) {
	m := newSessionMap(10)
	u, _ := url.Parse("https://u.example/messages?sessionId=abc")

	if err := m.Register("s1", "dst1", u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	entry, ok := m.Lookup("s1")
	if !ok {
		t.Fatalf("expected s1 present")
	}
	if entry.destination != "dst1" || entry.messageURL.String() != u.String() {
		t.Fatalf("entry = %+v", entry)
	}

	m.Remove("s1")
	if _, ok := m.Lookup("s1"); ok {
		t.Fatalf("expected s1 removed")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map after removal")
	}
}

func TestSessionMapCapacity(t *testing.T) {
	m := newSessionMap(2)
	u, _ := url.Parse("https://u.example/m")
	if err := m.Register("a1234567", "d", u); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register("b1234567", "d", u); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if err := m.Register("c1234567", "d", u); err == nil {
		t.Fatalf("expected capacity error on third register")
	}
}
