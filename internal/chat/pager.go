package chat

import (
	"context"

	"github.com/google/uuid"
)

// DefaultPageSize is the number of rows per history page.
const DefaultPageSize = 50

// Page is one slice of a session's history, oldest first.
type Page struct {
	Index    int
	Messages []Message
	Total    int
}

// Pager reads fixed-size pages of history from the durable store.
type Pager struct {
	store   Store
	session uuid.UUID
	size    int
}

// NewPager returns a pager over one session. A non-positive size uses
// DefaultPageSize.
func NewPager(store Store, session uuid.UUID, size int) *Pager {
	if size <= 0 {
		size = DefaultPageSize
	}
	return &Pager{store: store, session: session, size: size}
}

// Size returns the page size.
func (p *Pager) Size() int {
	return p.size
}

// Page returns page index (0 is the oldest) ordered by creation time.
func (p *Pager) Page(ctx context.Context, index int) (*Page, error) {
	if index < 0 {
		return nil, &ValidationError{Field: "page", Reason: "must not be negative"}
	}
	rows, total, err := p.store.QueryMessages(ctx, p.session, index*p.size, p.size)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, FromRow(row))
	}
	return &Page{Index: index, Messages: msgs, Total: total}, nil
}

// Total returns the session's row count.
func (p *Pager) Total(ctx context.Context) (int, error) {
	_, total, err := p.store.QueryMessages(ctx, p.session, 0, 1)
	return total, err
}

// LastPageIndex returns the index of the newest page for total rows.
func LastPageIndex(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total - 1) / size
}
