package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/resinat/queryengine/internal/persist"
)

// Adapter is the storage slot for one query store's persisted
// projection, keyed by storeName. It remembers which query keys the last
// Save or Load saw, so Save can delete the rows of keys that have since
// disappeared; every key still present is upserted on each Save.
type Adapter[D any] struct {
	mu        sync.Mutex
	db        *DB
	storeName string
	knownKeys map[string]struct{}
	dirty     *persist.DirtySet[string]
}

// NewAdapter binds an Adapter to storeName over db. Each distinct
// storeName owns its own rows; multiple stores can share one DB.
func NewAdapter[D any](db *DB, storeName string) *Adapter[D] {
	return &Adapter[D]{db: db, storeName: storeName, knownKeys: make(map[string]struct{}), dirty: persist.NewDirtySet[string]()}
}

// Save writes p's projection in one transaction: the single state row,
// plus upserts for every currently-present cache key and deletes for
// keys that were present at the last Save but are absent now.
func (a *Adapter[D]) Save(p persist.PersistedState[D]) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := make(map[string]struct{}, len(p.QueryCache))
	for key := range p.QueryCache {
		current[key] = struct{}{}
		a.dirty.MarkUpsert(key)
	}
	for key := range a.knownKeys {
		if _, ok := current[key]; !ok {
			a.dirty.MarkDelete(key)
		}
	}
	upsertKeys, deleteKeys := a.dirty.Drain()
	a.knownKeys = current

	userJSON, err := json.Marshal(p.User)
	if err != nil {
		return fmt.Errorf("storage: marshal user partialize payload: %w", err)
	}

	tx, err := a.db.sql.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin save tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO query_state (store_name, enabled, status, error_message, query_key, last_fetched_at_ns, user_json, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(store_name) DO UPDATE SET
			enabled = excluded.enabled,
			status = excluded.status,
			error_message = excluded.error_message,
			query_key = excluded.query_key,
			last_fetched_at_ns = excluded.last_fetched_at_ns,
			user_json = excluded.user_json,
			updated_at_ns = excluded.updated_at_ns`,
		a.storeName, p.Enabled, p.Status, p.Error, p.QueryKey, p.LastFetchedAt.UnixNano(), string(userJSON), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert state row: %w", err)
	}

	if len(deleteKeys) > 0 {
		stmt, err := tx.Prepare(`DELETE FROM query_cache_entries WHERE store_name = ? AND query_key = ?`)
		if err != nil {
			return fmt.Errorf("storage: prepare delete: %w", err)
		}
		for _, key := range deleteKeys {
			if _, err := stmt.Exec(a.storeName, key); err != nil {
				stmt.Close()
				return fmt.Errorf("storage: delete cache entry %q: %w", key, err)
			}
		}
		stmt.Close()
	}

	if len(upsertKeys) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO query_cache_entries (store_name, query_key, cache_time_ns, data_json, last_fetched_at_ns, error_message, last_failed_ns, retry_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(store_name, query_key) DO UPDATE SET
				cache_time_ns = excluded.cache_time_ns,
				data_json = excluded.data_json,
				last_fetched_at_ns = excluded.last_fetched_at_ns,
				error_message = excluded.error_message,
				last_failed_ns = excluded.last_failed_ns,
				retry_count = excluded.retry_count`)
		if err != nil {
			return fmt.Errorf("storage: prepare upsert: %w", err)
		}
		for _, key := range upsertKeys {
			entry := p.QueryCache[key]
			dataJSON, err := json.Marshal(entry.Data)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("storage: marshal cache entry %q: %w", key, err)
			}
			_, err = stmt.Exec(a.storeName, key, int64(entry.CacheTime), string(dataJSON), entry.LastFetchedAt.UnixNano(), entry.ErrorMessage, entry.LastFailed.UnixNano(), entry.RetryCount)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("storage: upsert cache entry %q: %w", key, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// Load reads back a previously-saved projection. ok is false if
// storeName has never been saved.
func (a *Adapter[D]) Load() (persist.PersistedState[D], bool, error) {
	var p persist.PersistedState[D]

	row := a.db.sql.QueryRow(
		`SELECT enabled, status, error_message, query_key, last_fetched_at_ns, user_json FROM query_state WHERE store_name = ?`,
		a.storeName,
	)
	var enabled int
	var lastFetchedNs int64
	var userJSON string
	if err := row.Scan(&enabled, &p.Status, &p.Error, &p.QueryKey, &lastFetchedNs, &userJSON); err != nil {
		if err == sql.ErrNoRows {
			return p, false, nil
		}
		return p, false, fmt.Errorf("storage: load state row: %w", err)
	}
	p.Enabled = enabled != 0
	if lastFetchedNs > 0 {
		p.LastFetchedAt = time.Unix(0, lastFetchedNs)
	}
	if userJSON != "" && userJSON != "null" {
		if err := json.Unmarshal([]byte(userJSON), &p.User); err != nil {
			return p, false, fmt.Errorf("storage: unmarshal user payload: %w", err)
		}
	}

	rows, err := a.db.sql.Query(
		`SELECT query_key, cache_time_ns, data_json, last_fetched_at_ns, error_message, last_failed_ns, retry_count
		 FROM query_cache_entries WHERE store_name = ?`, a.storeName,
	)
	if err != nil {
		return p, false, fmt.Errorf("storage: load cache entries: %w", err)
	}
	defer rows.Close()

	p.QueryCache = make(map[string]persist.PersistedEntry[D])
	known := make(map[string]struct{})
	for rows.Next() {
		var key, dataJSON, errMsg string
		var cacheTimeNs, lastFetchedNs, lastFailedNs int64
		var retryCount int
		if err := rows.Scan(&key, &cacheTimeNs, &dataJSON, &lastFetchedNs, &errMsg, &lastFailedNs, &retryCount); err != nil {
			return p, false, fmt.Errorf("storage: scan cache entry: %w", err)
		}
		entry := persist.PersistedEntry[D]{CacheTime: time.Duration(cacheTimeNs), ErrorMessage: errMsg, RetryCount: retryCount}
		if lastFetchedNs > 0 {
			entry.LastFetchedAt = time.Unix(0, lastFetchedNs)
		}
		if lastFailedNs > 0 {
			entry.LastFailed = time.Unix(0, lastFailedNs)
		}
		if dataJSON != "" && dataJSON != "null" {
			var d D
			if err := json.Unmarshal([]byte(dataJSON), &d); err != nil {
				return p, false, fmt.Errorf("storage: unmarshal cache entry %q: %w", key, err)
			}
			entry.Data = &d
		}
		p.QueryCache[key] = entry
		known[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return p, false, fmt.Errorf("storage: iterate cache entries: %w", err)
	}

	a.mu.Lock()
	a.knownKeys = known
	a.mu.Unlock()

	return p, true, nil
}
