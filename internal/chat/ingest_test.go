package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/models"
)

func TestIngestFilterSuppressesSelfEcho(t *testing.T) {
	session, self, other := uuid.New(), uuid.New(), uuid.New()
	tl := NewTimeline()
	f := NewIngestFilter(session, self, tl, zerolog.Nop())

	local := localTurn("m1", session, self, "hello", 1, time.Now())
	tl.AppendLocal(local)

	if f.Handle(local.Row()) {
		t.Fatal("self echo should be dropped")
	}
	if f.Dropped() != 1 {
		t.Fatalf("expected 1 dropped echo, got %d", f.Dropped())
	}

	// An echo with a different row id must not duplicate the turn either.
	echo := local.Row()
	echo.ID = "server-assigned"
	f.Handle(echo)
	if got := len(tl.Snapshot()); got != 1 {
		t.Fatalf("expected 1 visible entry, got %d", got)
	}

	if !f.Handle(userRow(session, other, "m2", 2, time.Now())) {
		t.Fatal("other participant's turn should merge")
	}
	if !f.Handle(replyRow(session, "a1", 1, time.Now())) {
		t.Fatal("assistant replies always merge")
	}
	if f.Handle(userRow(uuid.New(), other, "m3", 3, time.Now())) {
		t.Fatal("rows from another session should be ignored")
	}
	if f.Merged() != 2 {
		t.Fatalf("expected 2 merges, got %d", f.Merged())
	}
	if got := len(tl.Snapshot()); got != 3 {
		t.Fatalf("expected 3 visible entries, got %d", got)
	}
}

func TestIngestFilterSignalsResyncOnDisconnect(t *testing.T) {
	session := uuid.New()
	f := NewIngestFilter(session, uuid.New(), NewTimeline(), zerolog.Nop())

	events := make(chan models.Message, 1)
	events <- userRow(session, uuid.New(), "m1", 1, time.Now())
	close(events)

	err := f.Run(context.Background(), events)
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("expected ErrResyncRequired, got %v", err)
	}
	if !f.ResyncRequired() {
		t.Fatal("expected resync flag to be set")
	}
	if f.Merged() != 1 {
		t.Fatalf("expected buffered event to merge before disconnect, got %d", f.Merged())
	}
}

func TestIngestFilterStopsOnCancel(t *testing.T) {
	f := NewIngestFilter(uuid.New(), uuid.New(), NewTimeline(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.Run(ctx, make(chan models.Message))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.ResyncRequired() {
		t.Fatal("teardown is not a disconnect")
	}
}
