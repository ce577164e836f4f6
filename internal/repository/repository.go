package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starshop/cart/internal/domain"
	"go.uber.org/zap"
)

var ErrCartNotFound = errors.New("cart not found")

// CartRepository stores one encoded cart snapshot per session.
// GetSnapshot returns ErrCartNotFound when the session has no snapshot.
type CartRepository interface {
	GetSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	SaveSnapshot(ctx context.Context, sessionID string, payload []byte) error
	DeleteSnapshot(ctx context.Context, sessionID string) error
	Close() error
}

// SessionStore is the durable store of a single session's cart.
type SessionStore struct {
	repo      CartRepository
	sessionID string
	log       *zap.Logger
	now       func() time.Time
}

// Bind scopes repo to one session.
func Bind(repo CartRepository, sessionID string, log *zap.Logger) *SessionStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionStore{
		repo:      repo,
		sessionID: sessionID,
		log:       log.With(zap.String("session_id", sessionID)),
		now:       time.Now,
	}
}

// Read returns the persisted lines. A missing, corrupt or future-version
// snapshot reads as an empty cart; the latter two are logged.
func (s *SessionStore) Read(ctx context.Context) ([]domain.CartLine, error) {
	data, err := s.repo.GetSnapshot(ctx, s.sessionID)
	if errors.Is(err, ErrCartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart snapshot: %w", err)
	}

	snap, err := Decode(data)
	if err != nil {
		s.log.Warn("discarding unreadable cart snapshot", zap.Int("bytes", len(data)), zap.Error(err))
		return nil, nil
	}
	if snap.Dropped > 0 {
		s.log.Warn("dropped invalid cart lines",
			zap.Int("dropped", snap.Dropped),
			zap.Int("kept", len(snap.Lines)),
			zap.Int("version", snap.Version))
	}
	if snap.Version < SnapshotVersion {
		s.log.Info("upgraded legacy cart snapshot", zap.Int("from_version", snap.Version), zap.Int("lines", len(snap.Lines)))
	}
	return snap.Lines, nil
}

func (s *SessionStore) Write(ctx context.Context, lines []domain.CartLine) error {
	data, err := Encode(lines, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.SaveSnapshot(ctx, s.sessionID, data); err != nil {
		return fmt.Errorf("save cart snapshot: %w", err)
	}
	return nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	err := s.repo.DeleteSnapshot(ctx, s.sessionID)
	if err != nil && !errors.Is(err, ErrCartNotFound) {
		return fmt.Errorf("delete cart snapshot: %w", err)
	}
	return nil
}
