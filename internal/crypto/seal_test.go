package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(testMasterKey)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSealRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	session := NewUUIDv7()

	sealed, err := s.Seal(session, "Hello everyone")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, sealPrefix) {
		t.Fatalf("expected sealed prefix, got %q", sealed)
	}
	if strings.Contains(sealed, "Hello") {
		t.Fatal("sealed content leaks plaintext")
	}

	pt, err := s.Open(session, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "Hello everyone" {
		t.Fatalf("expected 'Hello everyone', got %q", pt)
	}
}

func TestSealBoundToSession(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal(NewUUIDv7(), "secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(NewUUIDv7(), sealed); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for other session, got %v", err)
	}
}

func TestNilSealerPassthrough(t *testing.T) {
	var s *Sealer
	session := uuid.New()

	out, err := s.Seal(session, "plain")
	if err != nil || out != "plain" {
		t.Fatalf("expected passthrough, got %q, %v", out, err)
	}
	out, err = s.Open(session, "plain")
	if err != nil || out != "plain" {
		t.Fatalf("expected passthrough, got %q, %v", out, err)
	}
}

func TestNewSealerKeyLength(t *testing.T) {
	if s, err := NewSealer(""); s != nil || err != nil {
		t.Fatalf("empty key should disable sealing, got %v, %v", s, err)
	}
	if _, err := NewSealer("short"); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
}
