package ledger

import (
	"context"
	"time"
)

// AnchorRequest describes the entry being anchored. It is built before the
// entry is persisted, so the receipt covers exactly what will be appended.
type AnchorRequest struct {
	EntryID     EntryID
	Kind        EntryKind
	Subject     PartnerID
	Counterpart MemberID
	Amount      Money
	Tokens      int64
	Reference   Reference
	At          time.Time
}

// RequestFor builds the anchor request for e.
func RequestFor(e Entry) AnchorRequest {
	return AnchorRequest{
		EntryID:     e.ID,
		Kind:        e.Kind,
		Subject:     e.Subject,
		Counterpart: e.Counterpart,
		Amount:      e.Amount,
		Tokens:      e.Tokens,
		Reference:   e.Reference,
		At:          e.CreatedAt,
	}
}

// Anchorer obtains an external non-repudiation receipt for an entry.
//
// Implementations must honour ctx cancellation: the caller bounds every call
// with a timeout and treats a late answer as a failure. Retries are the
// implementation's concern, not the caller's.
type Anchorer interface {
	Anchor(ctx context.Context, req AnchorRequest) (receipt string, err error)
}

// AnchorFunc adapts a function to Anchorer.
type AnchorFunc func(ctx context.Context, req AnchorRequest) (string, error)

func (f AnchorFunc) Anchor(ctx context.Context, req AnchorRequest) (string, error) {
	return f(ctx, req)
}
