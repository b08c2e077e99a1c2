package auth

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agjmills/hoard/internal/logger"
	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
)

// fallbackSessionStore writes sessions to the database and to process
// memory, and reads from memory while the database is unreachable. Sessions
// committed during an outage last until the process exits.
type fallbackSessionStore struct {
	primary   scs.Store
	secondary *memstore.MemStore
	log       *slog.Logger
	failing   atomic.Bool
}

func newFallbackSessionStore(primary scs.Store) *fallbackSessionStore {
	return &fallbackSessionStore{
		primary:   primary,
		secondary: memstore.New(),
		log:       logger.Component("session"),
	}
}

func (s *fallbackSessionStore) failed(op string, err error) {
	if s.failing.CompareAndSwap(false, true) {
		s.log.Warn("session database unavailable, keeping sessions in memory", "operation", op, "error", err)
		return
	}
	s.log.Debug("session database unavailable", "operation", op, "error", err)
}

func (s *fallbackSessionStore) succeeded() {
	if s.failing.CompareAndSwap(true, false) {
		s.log.Info("session database recovered")
	}
}

func (s *fallbackSessionStore) Find(token string) ([]byte, bool, error) {
	b, found, err := s.primary.Find(token)
	if err != nil {
		s.failed("find", err)
	} else if found {
		s.succeeded()
		return b, true, nil
	}
	return s.secondary.Find(token)
}

func (s *fallbackSessionStore) Commit(token string, b []byte, expiry time.Time) error {
	if err := s.primary.Commit(token, b, expiry); err != nil {
		s.failed("commit", err)
	} else {
		s.succeeded()
	}
	return s.secondary.Commit(token, b, expiry)
}

// Delete always removes the memory copy. A database failure is logged and
// not returned, so signing out still clears the client's cookie.
func (s *fallbackSessionStore) Delete(token string) error {
	if err := s.primary.Delete(token); err != nil {
		s.failed("delete", err)
	}
	return s.secondary.Delete(token)
}
