package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// ItemStatus is the processing state of a discovered item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemProcessed ItemStatus = "processed"
	ItemSkipped   ItemStatus = "skipped"
	ItemFailed    ItemStatus = "failed"
)

// Terminal reports whether no automatic transition leaves this status.
func (s ItemStatus) Terminal() bool {
	return s == ItemProcessed || s == ItemSkipped || s == ItemFailed
}

// Item is one discovered content unit. Timestamps are unix ms; Result holds
// the JSON handler result once the item is processed.
type Item struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Payload       []byte     `json:"-"`
	ContentType   string     `json:"content_type,omitempty"`
	Status        ItemStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt int64      `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Result        []byte     `json:"-"`
	DiscoveredAt  int64      `json:"discovered_at"`
	UpdatedAt     int64      `json:"updated_at"`
}

// ItemFilter narrows ListItems.
type ItemFilter struct {
	Status ItemStatus
	Limit  int
}

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemProcessed, ItemSkipped, ItemFailed},
	ItemFailed:  {ItemPending},
}

// ItemTransitionAllowed reports whether from -> to is an edge of the item
// state machine.
func ItemTransitionAllowed(from, to ItemStatus) bool {
	for _, s := range itemTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const itemColumns = `id, session_id, payload, content_type, status, attempts,
	last_attempt_at, last_error, result, discovered_at, updated_at`

func scanItem(row rowScanner) (*Item, error) {
	it := &Item{}
	var payload, status string
	var contentType, lastError, result sql.NullString
	var lastAttempt sql.NullInt64
	err := row.Scan(&it.ID, &it.SessionID, &payload, &contentType, &status, &it.Attempts,
		&lastAttempt, &lastError, &result, &it.DiscoveredAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.Payload = []byte(payload)
	it.ContentType = contentType.String
	it.Status = ItemStatus(status)
	it.LastAttemptAt = lastAttempt.Int64
	it.LastError = lastError.String
	if result.Valid {
		it.Result = []byte(result.String)
	}
	return it, nil
}

// RecordItem stores a discovered item with status pending. Recording an id
// that already exists leaves the stored row untouched and returns it with
// wasNew=false.
func (s *Store) RecordItem(ctx context.Context, sessionID, itemID string, payload []byte) (*Item, bool, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, false, herrors.NewValidationError("item", "id", "must not be empty")
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var item *Item
	var wasNew bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		now := s.nowMs()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO posts (id, session_id, payload, status, discovered_at, updated_at)
			VALUES (?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			itemID, sessionID, string(payload), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		n, _ := res.RowsAffected()
		wasNew = n == 1

		item, err = s.getItem(ctx, tx, itemID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return item, wasNew, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getItem(ctx, s.db, id)
}

func (s *Store) getItem(ctx context.Context, q querier, id string) (*Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM posts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.NewReferenceError("item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

// ListItems returns a session's items in discovery order.
func (s *Store) ListItems(ctx context.Context, sessionID string, f ItemFilter) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + itemColumns + ` FROM posts WHERE session_id = ?`
	args := []any{sessionID}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY discovered_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// TransitionItem moves an item along its state machine. Disallowed edges
// fail with an InvalidTransitionError and leave the row unchanged.
// failed -> pending resets the attempt count so the item gets a fresh set
// of processing attempts.
func (s *Store) TransitionItem(ctx context.Context, id string, to ItemStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := s.getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.transitionItem(ctx, tx, it, to, errMsg, "", nil)
	})
}

// MarkItemProcessed transitions a pending item to processed, recording the
// detected content type and the handler result.
func (s *Store) MarkItemProcessed(ctx context.Context, id, contentType string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := s.getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.transitionItem(ctx, tx, it, ItemProcessed, "", contentType, result)
	})
}

func (s *Store) transitionItem(ctx context.Context, tx *sql.Tx, it *Item, to ItemStatus, errMsg, contentType string, result []byte) error {
	if !ItemTransitionAllowed(it.Status, to) {
		return herrors.NewInvalidTransition("item", it.ID, string(it.Status), string(to))
	}

	attempts := it.Attempts
	if it.Status == ItemFailed && to == ItemPending {
		attempts = 0
	}
	if contentType == "" {
		contentType = it.ContentType
	}
	var res sql.NullString
	if result != nil {
		res = nullString(string(result))
	}

	out, err := tx.ExecContext(ctx, `
		UPDATE posts SET status = ?, attempts = ?, last_error = ?, content_type = ?,
		       result = COALESCE(?, result), updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), attempts, nullString(errMsg), nullString(contentType), res, s.nowMs(),
		it.ID, string(it.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to transition item: %w", err)
	}
	if n, _ := out.RowsAffected(); n != 1 {
		return herrors.NewInvalidTransition("item", it.ID, string(it.Status), string(to))
	}
	return nil
}

// RecordItemAttempt counts a failed processing attempt on a pending item and
// returns the new attempt count. The item stays pending.
func (s *Store) RecordItemAttempt(ctx context.Context, id, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		it, err := s.getItem(ctx, tx, id)
		if err != nil {
			return err
		}
		if it.Status != ItemPending {
			return herrors.NewInvalidTransition("item", id, string(it.Status), string(ItemPending))
		}
		now := s.nowMs()
		_, err = tx.ExecContext(ctx, `
			UPDATE posts SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			now, nullString(errMsg), now, id,
		)
		if err != nil {
			return fmt.Errorf("failed to record item attempt: %w", err)
		}
		attempts = it.Attempts + 1
		return nil
	})
	return attempts, err
}

// RetryFailedItems moves every failed item of a session back to pending.
func (s *Store) RetryFailedItems(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = 'pending', attempts = 0, updated_at = ?
		WHERE session_id = ? AND status = 'failed'`,
		s.nowMs(), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed items: %w", err)
	}
	return res.RowsAffected()
}
