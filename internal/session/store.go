package session

import (
	"context"
	"time"
)

// Store persists sessions. ListByUser returns newest first; limit <= 0 means
// no limit. ExpireBefore transitions active/suspicious sessions whose expiry
// is before cutoff to expired and reports how many changed; an empty userID
// sweeps all principals.
type Store interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	FindByRefreshToken(ctx context.Context, token string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	ExpireBefore(ctx context.Context, userID string, cutoff time.Time) (int64, error)
}
