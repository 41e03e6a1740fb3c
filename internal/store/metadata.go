package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Metadata value types.
const (
	MetaString  = "string"
	MetaJSON    = "json"
	MetaNumber  = "number"
	MetaBoolean = "boolean"
)

func encodeMeta(value any) (string, string, error) {
	switch v := value.(type) {
	case string:
		return v, MetaString, nil
	case bool:
		return strconv.FormatBool(v), MetaBoolean, nil
	case int:
		return strconv.FormatInt(int64(v), 10), MetaNumber, nil
	case int64:
		return strconv.FormatInt(v, 10), MetaNumber, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), MetaNumber, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		return string(b), MetaJSON, nil
	}
}

func decodeMeta(raw, typ string) (any, error) {
	switch typ {
	case MetaString:
		return raw, nil
	case MetaBoolean:
		return strconv.ParseBool(raw)
	case MetaNumber:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(raw, 64)
	default:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		return v, nil
	}
}

// SetMetadata stores a typed value under key for a session, replacing any
// previous value. Strings, booleans and numbers keep their type; anything
// else is stored as JSON.
func (s *Store) SetMetadata(ctx context.Context, sessionID, key string, value any) error {
	if key == "" {
		return herrors.NewValidationError("metadata", "key", "must not be empty")
	}
	raw, typ, err := encodeMeta(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getSession(ctx, tx, sessionID); err != nil {
			return err
		}
		now := s.nowMs()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (session_id, key, value, value_type, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (session_id, key) DO UPDATE SET
				value = excluded.value, value_type = excluded.value_type, updated_at = excluded.updated_at`,
			sessionID, key, raw, typ, now,
		)
		if err != nil {
			return fmt.Errorf("failed to set metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		return nil
	})
}

// GetMetadata returns the decoded value stored under key.
func (s *Store) GetMetadata(ctx context.Context, sessionID, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw, typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, value_type FROM metadata WHERE session_id = ? AND key = ?`,
		sessionID, key,
	).Scan(&raw, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, herrors.NewReferenceError("metadata", sessionID+"/"+key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return decodeMeta(raw, typ)
}

// AllMetadata returns every metadata entry of a session.
func (s *Store) AllMetadata(ctx context.Context, sessionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, value_type FROM metadata WHERE session_id = ? ORDER BY key`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw, typ string
		if err := rows.Scan(&key, &raw, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		v, err := decodeMeta(raw, typ)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

// DeleteMetadata removes key from a session and touches the session.
// Deleting a missing key is a no-op.
func (s *Store) DeleteMetadata(ctx context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE session_id = ? AND key = ?`, sessionID, key)
		if err != nil {
			return fmt.Errorf("failed to delete metadata: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, s.nowMs(), sessionID); err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		return nil
	})
}
