package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quualle/AgencyReporter/internal/database"
	"go.uber.org/zap"
)

// Lookup results reported to the Recorder
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultCorrupt = "corrupt"
	ResultError   = "error"
)

// Recorder receives per-operation outcomes for metrics
type Recorder interface {
	ObserveLookup(result string)
	ObserveWrite(ok bool, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveLookup(string)             {}
func (nopRecorder) ObserveWrite(bool, time.Duration) {}

// Options configures a Store
type Options struct {
	Codec    *Codec
	Retry    database.RetryPolicy
	Recorder Recorder
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// Store persists entries in the cache_entries table
type Store struct {
	db       *database.DB
	codec    *Codec
	retry    database.RetryPolicy
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex // guards closed and pending.Add
	closed  bool
	pending sync.WaitGroup
}

// NewStore creates a store over an opened database
func NewStore(db *database.DB, opts Options, logger *zap.Logger) *Store {
	if opts.Codec == nil {
		opts.Codec, _ = NewCodec(EncodingNone, 0)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry.ApplyDefaults()

	return &Store{
		db:       db,
		codec:    opts.Codec,
		retry:    opts.Retry,
		recorder: opts.Recorder,
		logger:   logger,
		now:      opts.Now,
	}
}

var errExpired = fmt.Errorf("%w: expired", ErrNotFound)

const selectEntry = `SELECT cache_key, category, agency_id, time_window, payload, encoding,
	payload_hash, payload_size, created_at, expires_at, preloaded
	FROM cache_entries WHERE cache_key = $1`

// Get returns the payload for key if it exists and has not expired.
// Expired and corrupt rows read as a miss and are removed in the background.
// Storage failures also read as a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, err := s.Lookup(ctx, key)
	switch {
	case err == nil:
		s.recorder.ObserveLookup(ResultHit)
		s.logger.Debug("cache hit", zap.String("cache_key", key))
		return entry.Payload, true
	case errors.Is(err, errExpired):
		s.recorder.ObserveLookup(ResultExpired)
		s.logger.Debug("cache entry expired", zap.String("cache_key", key))
	case errors.Is(err, ErrNotFound):
		s.recorder.ObserveLookup(ResultMiss)
		s.logger.Debug("cache miss", zap.String("cache_key", key))
	case errors.Is(err, ErrCorrupt):
		s.recorder.ObserveLookup(ResultCorrupt)
		s.logger.Warn("cache entry corrupt", zap.String("cache_key", key))
	default:
		s.recorder.ObserveLookup(ResultError)
		s.logger.Warn("cache read failed", zap.String("cache_key", key), zap.Error(err))
	}
	return nil, false
}

// Lookup returns the full entry. It applies the same expiry and integrity
// rules as Get, returning ErrNotFound or ErrCorrupt.
func (s *Store) Lookup(ctx context.Context, key string) (Entry, error) {
	var (
		e          Entry
		agencyID   sql.NullString
		timeWindow sql.NullString
		stored     []byte
		encoding   string
		createdAt  int64
		expiresAt  sql.NullInt64
		preloaded  bool
	)

	err := s.db.SQL().QueryRowContext(ctx, selectEntry, key).Scan(
		&e.Key, &e.Category, &agencyID, &timeWindow, &stored, &encoding,
		&e.Hash, &e.Size, &createdAt, &expiresAt, &preloaded,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query cache entry: %w", err)
	}

	e.Scope = Scope{AgencyID: agencyID.String, TimeWindow: timeWindow.String}
	e.Encoding = Encoding(encoding)
	e.CreatedAt = database.FromMillis(createdAt)
	e.Origin = OriginInteractive
	if preloaded {
		e.Origin = OriginPreload
	}
	if expiresAt.Valid {
		t := database.FromMillis(expiresAt.Int64)
		e.ExpiresAt = &t
	}

	if e.Expired(s.now()) {
		s.deleteLater(key, `DELETE FROM cache_entries
			WHERE cache_key = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
			key, database.ToMillis(s.now()))
		return Entry{}, errExpired
	}

	payload, err := s.codec.Decode(stored, e.Encoding)
	if err != nil || Hash(payload) != e.Hash {
		// only remove the row that was read; a concurrent rewrite survives
		s.deleteLater(key, `DELETE FROM cache_entries
			WHERE cache_key = $1 AND payload_hash = $2 AND created_at = $3`,
			key, e.Hash, createdAt)
		return Entry{}, ErrCorrupt
	}
	e.Payload = payload
	return e, nil
}

// deleteLater runs a conditional delete off the read path
func (s *Store) deleteLater(key, query string, args ...any) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.db.SQL().ExecContext(ctx, query, args...); err != nil {
			s.logger.Warn("failed to delete cache entry", zap.String("cache_key", key), zap.Error(err))
		}
	}()
}

// Wait blocks until background deletions have finished
func (s *Store) Wait() {
	s.pending.Wait()
}

// Close stops scheduling background deletions and waits for the pending
// ones. Stale rows found afterwards are left for DeleteExpired.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
}

const upsertEntry = `INSERT INTO cache_entries
	(cache_key, category, agency_id, time_window, payload, encoding, payload_hash, payload_size, created_at, expires_at, preloaded)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (cache_key) DO UPDATE SET
		category = EXCLUDED.category,
		agency_id = EXCLUDED.agency_id,
		time_window = EXCLUDED.time_window,
		payload = EXCLUDED.payload,
		encoding = EXCLUDED.encoding,
		payload_hash = EXCLUDED.payload_hash,
		payload_size = EXCLUDED.payload_size,
		created_at = EXCLUDED.created_at,
		expires_at = EXCLUDED.expires_at,
		preloaded = EXCLUDED.preloaded`

// Put inserts or fully replaces the entry for req.Key in a single statement.
// Transient failures are retried; the previous row stays intact until the
// new one commits.
func (s *Store) Put(ctx context.Context, req PutRequest) error {
	if req.Key == "" {
		return errors.New("cache: empty key")
	}
	start := time.Now()

	stored, enc, err := s.codec.Encode(req.Payload)
	if err != nil {
		s.recorder.ObserveWrite(false, time.Since(start))
		return fmt.Errorf("encode payload: %w", err)
	}

	if stored == nil {
		stored = []byte{}
	}

	now := s.now()
	var expiresAt sql.NullInt64
	if req.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: database.ToMillis(now.Add(req.TTL)), Valid: true}
	}

	args := []any{
		req.Key,
		req.Category,
		nullString(req.Scope.AgencyID),
		nullString(req.Scope.TimeWindow),
		stored,
		string(enc),
		Hash(req.Payload),
		int64(len(req.Payload)),
		database.ToMillis(now),
		expiresAt,
		req.Origin == OriginPreload,
	}

	err = database.Retry(ctx, s.retry, s.logger.With(zap.String("cache_key", req.Key)), func(ctx context.Context) error {
		_, err := s.db.SQL().ExecContext(ctx, upsertEntry, args...)
		return err
	})
	s.recorder.ObserveWrite(err == nil, time.Since(start))
	if err != nil {
		s.logger.Error("cache write failed",
			zap.String("cache_key", req.Key),
			zap.String("category", req.Category),
			zap.Error(err))
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes every entry whose expiry has passed
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		database.ToMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	return res.RowsAffected()
}

// Invalidate deletes entries matching f
func (s *Store) Invalidate(ctx context.Context, f Filter) (int64, error) {
	if f.IsZero() {
		return 0, ErrEmptyFilter
	}

	var (
		conds []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("category", f.Category)
	add("agency_id", f.AgencyID)
	add("time_window", f.TimeWindow)

	res, err := s.db.SQL().ExecContext(ctx,
		"DELETE FROM cache_entries WHERE "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("invalidate entries: %w", err)
	}
	return res.RowsAffected()
}

// Reset deletes all entries
func (s *Store) Reset(ctx context.Context) (int64, error) {
	res, err := s.db.SQL().ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, fmt.Errorf("reset cache entries: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns aggregate counts
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByCategory: make(map[string]int64)}

	err := s.db.SQL().QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN preloaded THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= $1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(payload_size), 0),
		COALESCE(SUM(LENGTH(payload)), 0)
		FROM cache_entries`, database.ToMillis(s.now())).
		Scan(&st.Total, &st.Preloaded, &st.Expired, &st.Bytes, &st.StoredBytes)
	if err != nil {
		return st, fmt.Errorf("query cache stats: %w", err)
	}

	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT category, COUNT(*) FROM cache_entries GROUP BY category`)
	if err != nil {
		return st, fmt.Errorf("query category stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			category string
			n        int64
		)
		if err := rows.Scan(&category, &n); err != nil {
			return st, fmt.Errorf("scan category stats: %w", err)
		}
		st.ByCategory[category] = n
	}
	return st, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
