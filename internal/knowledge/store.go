// Package knowledge persists error patterns and their fixes across sessions.
// Rules accumulate: occurrence counters and success rates are the only fields
// ever mutated, rows are never deleted. The store is safe for concurrent
// sessions; updates to the same fingerprint are serialized by a
// fingerprint-scoped lock.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sceneforge/internal/classify"
	"sceneforge/internal/logging"
)

// Context scopes a rule to a generation domain. Empty fields act as
// wildcards on both write and query.
type Context struct {
	Domain     string
	Subdomain  string
	Difficulty string
}

// PreventionRule is a learned recommendation keyed by fingerprint.
type PreventionRule struct {
	Fingerprint     string
	Kind            classify.Kind
	Message         string
	RuleText        string
	FixStrategy     string
	OccurrenceCount int
	SuccessRate     float64
	Context         Context
	FirstSeen       time.Time
	LastSeen        time.Time
}

// SessionMetrics is one row of the append-only quality log.
type SessionMetrics struct {
	SessionID    string
	Context      Context
	Outcome      string
	QualityScore float64
	Attempts     int
	ElapsedMs    int64
	RulesApplied int
}

// Options tunes store behavior.
type Options struct {
	// MaxRules caps Query results to keep prompt payloads small.
	MaxRules int
	// EMAAlpha is the weight of the newest outcome in the success rate.
	EMAAlpha float64
}

// DefaultOptions returns the default store tuning.
func DefaultOptions() Options {
	return Options{
		MaxRules: 20,
		EMAAlpha: 0.3,
	}
}

// Store is the durable knowledge base.
type Store struct {
	db   *sql.DB
	opts Options

	// Per-fingerprint locks serialize read-modify-write updates so
	// concurrent sessions never lose counter increments.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS prevention_rules (
	fingerprint      TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	message          TEXT NOT NULL,
	rule_text        TEXT NOT NULL DEFAULT '',
	fix_strategy     TEXT NOT NULL DEFAULT '',
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	success_rate     REAL NOT NULL DEFAULT 0.5,
	domain           TEXT NOT NULL DEFAULT '',
	subdomain        TEXT NOT NULL DEFAULT '',
	difficulty       TEXT NOT NULL DEFAULT '',
	first_seen       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rules_context ON prevention_rules(domain, subdomain, difficulty);

CREATE TABLE IF NOT EXISTS quality_metrics (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	domain        TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL,
	quality_score REAL NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL,
	elapsed_ms    INTEGER NOT NULL,
	rules_applied INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_metrics_created ON quality_metrics(created_at);
`

// New opens (creating if needed) the knowledge database at path.
// Use ":memory:" for tests.
func New(path string, opts Options) (*Store, error) {
	if opts.MaxRules <= 0 {
		opts.MaxRules = DefaultOptions().MaxRules
	}
	if opts.EMAAlpha <= 0 || opts.EMAAlpha > 1 {
		opts.EMAAlpha = DefaultOptions().EMAAlpha
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create knowledge dir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge db: %w", err)
	}

	// Single connection keeps SQLite happy under concurrent sessions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.KnowledgeDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.KnowledgeDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.KnowledgeDebug("failed to set synchronous=NORMAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Knowledge("knowledge store opened at %s", path)

	return &Store{
		db:    db,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// fingerprintLock returns the lock serializing updates for one fingerprint.
func (s *Store) fingerprintLock(fingerprint string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fingerprint] = l
	}
	return l
}

// Query returns rules matching the context (or stored as wildcard), ranked by
// occurrence_count * success_rate descending. Ties break on most recently
// seen. Results are capped at MaxRules.
func (s *Store) Query(ctx context.Context, qc Context) ([]PreventionRule, error) {
	timer := logging.StartTimer(logging.CategoryKnowledge, "rule query")
	defer timer.Stop()

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, kind, message, rule_text, fix_strategy,
		       occurrence_count, success_rate, domain, subdomain, difficulty,
		       first_seen, last_seen
		FROM prevention_rules
		WHERE (domain = '' OR ? = '' OR domain = ?)
		  AND (subdomain = '' OR ? = '' OR subdomain = ?)
		  AND (difficulty = '' OR ? = '' OR difficulty = ?)
		ORDER BY occurrence_count * success_rate DESC, last_seen DESC
		LIMIT ?`,
		qc.Domain, qc.Domain, qc.Subdomain, qc.Subdomain,
		qc.Difficulty, qc.Difficulty, s.opts.MaxRules)
	if err != nil {
		return nil, fmt.Errorf("rule query failed: %w", err)
	}
	defer rows.Close()

	var rules []PreventionRule
	for rows.Next() {
		var r PreventionRule
		if err := rows.Scan(&r.Fingerprint, &r.Kind, &r.Message, &r.RuleText,
			&r.FixStrategy, &r.OccurrenceCount, &r.SuccessRate,
			&r.Context.Domain, &r.Context.Subdomain, &r.Context.Difficulty,
			&r.FirstSeen, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("rule scan failed: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpsertOccurrence records one more sighting of an error. A new fingerprint
// inserts a rule with occurrence_count=1 and no fix strategy; an existing one
// gets an atomic increment and a fresh last_seen.
func (s *Store) UpsertOccurrence(ctx context.Context, rec classify.Record, qc Context) (PreventionRule, error) {
	lock := s.fingerprintLock(rec.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prevention_rules (fingerprint, kind, message, domain, subdomain, difficulty)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_seen = CURRENT_TIMESTAMP`,
		rec.Fingerprint, string(rec.Kind), rec.Message,
		qc.Domain, qc.Subdomain, qc.Difficulty)
	if err != nil {
		return PreventionRule{}, fmt.Errorf("upsert occurrence failed: %w", err)
	}

	rule, err := s.getRule(ctx, rec.Fingerprint)
	if err != nil {
		return PreventionRule{}, err
	}
	logging.KnowledgeDebug("occurrence recorded: %s count=%d", rec.Fingerprint, rule.OccurrenceCount)
	return rule, nil
}

// SetFixStrategy attaches (or replaces) the rule text and fix strategy for a
// fingerprint after a repair proved useful.
func (s *Store) SetFixStrategy(ctx context.Context, fingerprint, ruleText, strategy string) error {
	lock := s.fingerprintLock(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE prevention_rules SET rule_text = ?, fix_strategy = ?
		WHERE fingerprint = ?`,
		ruleText, strategy, fingerprint)
	if err != nil {
		return fmt.Errorf("set fix strategy failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown fingerprint %s", fingerprint)
	}
	return nil
}

// RecordOutcome folds one fix outcome into the rolling success rate:
// rate' = alpha*outcome + (1-alpha)*rate.
func (s *Store) RecordOutcome(ctx context.Context, fingerprint string, succeeded bool) error {
	lock := s.fingerprintLock(fingerprint)
	lock.Lock()
	defer lock.Unlock()

	var rate float64
	err := s.db.QueryRowContext(ctx,
		`SELECT success_rate FROM prevention_rules WHERE fingerprint = ?`,
		fingerprint).Scan(&rate)
	if err == sql.ErrNoRows {
		return fmt.Errorf("unknown fingerprint %s", fingerprint)
	}
	if err != nil {
		return fmt.Errorf("outcome read failed: %w", err)
	}

	outcome := 0.0
	if succeeded {
		outcome = 1.0
	}
	rate = s.opts.EMAAlpha*outcome + (1-s.opts.EMAAlpha)*rate

	if _, err := s.db.ExecContext(ctx,
		`UPDATE prevention_rules SET success_rate = ? WHERE fingerprint = ?`,
		rate, fingerprint); err != nil {
		return fmt.Errorf("outcome update failed: %w", err)
	}

	logging.KnowledgeDebug("outcome recorded: %s success=%v rate=%.3f", fingerprint, succeeded, rate)
	return nil
}

// RecordSessionMetrics appends one quality-metrics row. Independent of the
// rule retrieval path; used only for trend analysis.
func (s *Store) RecordSessionMetrics(ctx context.Context, m SessionMetrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quality_metrics (session_id, domain, outcome, quality_score, attempts, elapsed_ms, rules_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.Context.Domain, m.Outcome, m.QualityScore,
		m.Attempts, m.ElapsedMs, m.RulesApplied)
	if err != nil {
		return fmt.Errorf("session metrics insert failed: %w", err)
	}
	return nil
}

func (s *Store) getRule(ctx context.Context, fingerprint string) (PreventionRule, error) {
	var r PreventionRule
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, kind, message, rule_text, fix_strategy,
		       occurrence_count, success_rate, domain, subdomain, difficulty,
		       first_seen, last_seen
		FROM prevention_rules WHERE fingerprint = ?`,
		fingerprint).Scan(&r.Fingerprint, &r.Kind, &r.Message, &r.RuleText,
		&r.FixStrategy, &r.OccurrenceCount, &r.SuccessRate,
		&r.Context.Domain, &r.Context.Subdomain, &r.Context.Difficulty,
		&r.FirstSeen, &r.LastSeen)
	if err != nil {
		return PreventionRule{}, fmt.Errorf("rule lookup failed: %w", err)
	}
	return r, nil
}

// Stats summarizes the knowledge base for the stats command.
type Stats struct {
	RuleCount     int
	SessionCount  int
	CountsByKind  map[classify.Kind]int
	RecentSuccess float64
}

// GetStats aggregates store contents.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{CountsByKind: make(map[classify.Kind]int)}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prevention_rules`).Scan(&st.RuleCount); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quality_metrics`).Scan(&st.SessionCount); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, SUM(occurrence_count) FROM prevention_rules GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("stats scan failed: %w", err)
		}
		st.CountsByKind[classify.Kind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Success share of the 50 most recent sessions.
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(CASE WHEN outcome = 'success' THEN 1.0 ELSE 0.0 END), 0)
		FROM (SELECT outcome FROM quality_metrics ORDER BY created_at DESC LIMIT 50)`).
		Scan(&st.RecentSuccess)
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}

	return st, nil
}
