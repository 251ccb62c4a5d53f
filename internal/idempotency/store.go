// Package idempotency implements the two-phase idempotency protocol used
// by both the HTTP surface and the workflow activities: read a stored
// response, claim the (scope, key) pair, then store the response after
// the side effect commits.
package idempotency

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polarisfin/polaris/internal/database"
)

// Store persists idempotency records.
type Store struct {
	db  database.Querier
	log zerolog.Logger
}

// NewStore creates an idempotency store.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "idempotency").Logger(),
	}
}

// WithTx returns a copy of the store bound to the given transaction, so
// claims and stored responses commit atomically with the operation they
// protect.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx, log: s.log}
}

// GetResponse returns the stored response for (scope, key), or nil when
// no completed operation exists. A claimed-but-unfinished record (NULL
// response) also returns nil; the caller retries the operation.
func (s *Store) GetResponse(scope, key string) (json.RawMessage, error) {
	var response sql.NullString
	err := s.db.QueryRow(
		`SELECT response FROM idempotency_record WHERE scope = ? AND key = ?`,
		scope, key,
	).Scan(&response)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record %s/%s: %w", scope, key, err)
	}
	if !response.Valid {
		return nil, nil
	}
	return json.RawMessage(response.String), nil
}

// Claim atomically inserts a record for (scope, key). It returns true
// when this caller won the claim, false when another execution already
// holds it.
func (s *Store) Claim(scope, key string, requestPayload interface{}) (bool, error) {
	hash, err := HashPayload(requestPayload)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC().Unix()
	res, err := s.db.Exec(
		`INSERT INTO idempotency_record (scope, key, request_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO NOTHING`,
		scope, key, hash, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency record %s/%s: %w", scope, key, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result %s/%s: %w", scope, key, err)
	}

	claimed := rows > 0
	if claimed {
		s.log.Debug().Str("scope", scope).Str("key", key).Msg("Claimed idempotency record")
	}
	return claimed, nil
}

// StoreResponse records the response for (scope, key). Last write wins;
// activity executions racing past a lost claim converge on identical
// responses, so the overwrite is harmless.
func (s *Store) StoreResponse(scope, key string, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotent response %s/%s: %w", scope, key, err)
	}

	now := time.Now().UTC().Unix()
	_, err = s.db.Exec(
		`INSERT INTO idempotency_record (scope, key, response, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET response = excluded.response, updated_at = excluded.updated_at`,
		scope, key, string(body), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response %s/%s: %w", scope, key, err)
	}
	return nil
}

// HashPayload produces a stable sha256 fingerprint of a request payload.
// Nil payloads hash to the empty-string digest.
func HashPayload(payload interface{}) (string, error) {
	if payload == nil {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:]), nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash request payload: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
