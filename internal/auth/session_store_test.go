package auth

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agjmills/hoard/internal/config"
	"github.com/alexedwards/scs/v2/memstore"
)

var errSessionDB = errors.New("database is closed")

// switchableSessions stands in for the session table and can be taken away.
type switchableSessions struct {
	*memstore.MemStore
	down atomic.Bool
}

func (s *switchableSessions) Find(token string) ([]byte, bool, error) {
	if s.down.Load() {
		return nil, false, errSessionDB
	}
	return s.MemStore.Find(token)
}

func (s *switchableSessions) Commit(token string, b []byte, expiry time.Time) error {
	if s.down.Load() {
		return errSessionDB
	}
	return s.MemStore.Commit(token, b, expiry)
}

func (s *switchableSessions) Delete(token string) error {
	if s.down.Load() {
		return errSessionDB
	}
	return s.MemStore.Delete(token)
}

func TestFallbackSessionStore(t *testing.T) {
	db := &switchableSessions{MemStore: memstore.New()}
	s := newFallbackSessionStore(db)
	expiry := time.Now().Add(time.Hour)

	if err := s.Commit("before", []byte("a"), expiry); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if b, found, _ := db.MemStore.Find("before"); !found || string(b) != "a" {
		t.Errorf("healthy commit did not reach the database: %q, %v", b, found)
	}

	db.down.Store(true)

	if err := s.Commit("during", []byte("b"), expiry); err != nil {
		t.Fatalf("Commit() during outage error = %v", err)
	}

	tests := []struct {
		token     string
		wantFound bool
		wantData  string
	}{
		{"during", true, "b"},
		{"before", true, "a"},
		{"unknown", false, ""},
	}
	for _, tt := range tests {
		b, found, err := s.Find(tt.token)
		if err != nil {
			t.Errorf("Find(%s) during outage error = %v", tt.token, err)
		}
		if found != tt.wantFound || string(b) != tt.wantData {
			t.Errorf("Find(%s) = %q, %v, want %q, %v", tt.token, b, found, tt.wantData, tt.wantFound)
		}
	}

	if err := s.Delete("during"); err != nil {
		t.Errorf("Delete() during outage error = %v", err)
	}
	if _, found, _ := s.Find("during"); found {
		t.Error("deleted session still found")
	}

	db.down.Store(false)

	if _, found, _ := s.Find("before"); !found {
		t.Error("database session lost after recovery")
	}
	if err := s.Commit("during", []byte("c"), expiry); err != nil {
		t.Fatalf("Commit() after recovery error = %v", err)
	}
	if b, found, _ := db.MemStore.Find("during"); !found || string(b) != "c" {
		t.Errorf("commit after recovery did not reach the database: %q, %v", b, found)
	}
	if s.failing.Load() {
		t.Error("store still reports failing after recovery")
	}
}

func TestNewSessionManager_DatabaseStoresFallBack(t *testing.T) {
	db := setupSessionDB(t)
	for _, dbType := range []string{"sqlite", "postgres"} {
		sm, err := NewSessionManager(db, &config.Config{DBType: dbType, SessionDuration: "1h"})
		if err != nil {
			t.Fatalf("NewSessionManager(%s) error = %v", dbType, err)
		}
		if _, ok := sm.Store.(*fallbackSessionStore); !ok {
			t.Errorf("%s store = %T, want *fallbackSessionStore", dbType, sm.Store)
		}
	}
}
