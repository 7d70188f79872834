package sqlite

import (
	"context"
	"strconv"
	"time"
)

// TouchServerPull records that a gateway server fetched its config. Writes
// are throttled per entity so polling agents do not hammer the database.
func (s *Store) TouchServerPull(ctx context.Context, id int64) error {
	return s.touchPull(ctx, "server:"+strconv.FormatInt(id, 10), `UPDATE gateway_servers SET last_config_pull = ? WHERE id = ?`, id)
}

// TouchClientPull is the client counterpart of [Store.TouchServerPull].
func (s *Store) TouchClientPull(ctx context.Context, id int64) error {
	return s.touchPull(ctx, "client:"+strconv.FormatInt(id, 10), `UPDATE gateway_clients SET last_config_pull = ? WHERE id = ?`, id)
}

func (s *Store) touchPull(ctx context.Context, key, query string, id int64) error {
	now := time.Now().UTC()
	if !s.reserveTouch(key, now) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		s.rollbackTouch(key, now)
	}
	return err
}

func (s *Store) reserveTouch(key string, now time.Time) bool {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastPull[key]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastPull[key] = now
	return true
}

func (s *Store) rollbackTouch(key string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastPull[key]; ok && last.Equal(reservedAt) {
		delete(s.lastPull, key)
	}
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for key, last := range s.lastPull {
		if last.Before(cutoff) {
			delete(s.lastPull, key)
		}
	}
}
