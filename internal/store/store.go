// Package store persists the learned endpoint model in SQLite.
//
// Five tables: endpoints (unique on method + path_pattern),
// endpoint_behavior, chaos_config, contract_drift, and health_samples.
// JSON-shaped columns (schemas, distributions, drift details) are stored
// as TEXT.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/apitruth/mock-platform/internal/schema"
)

// Behavior defaults used until real traffic is learned.
const (
	DefaultLatencyMean = 400.0
	DefaultLatencyStd  = 100.0
)

// Endpoint is one learned (method, path pattern) pair.
type Endpoint struct {
	ID          int64     `json:"id"`
	Method      string    `json:"method"`
	PathPattern string    `json:"path_pattern"`
	TargetURL   string    `json:"target_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Behavior is the learned statistical and structural model of an endpoint.
type Behavior struct {
	EndpointID     int64              `json:"endpoint_id"`
	LatencyMean    float64            `json:"latency_mean"`
	LatencyStd     float64            `json:"latency_std"`
	ErrorRate      float64            `json:"error_rate"`
	SampleCount    int64              `json:"sample_count"`
	StatusDist     map[string]float64 `json:"status_code_distribution"`
	ResponseSchema *schema.Node       `json:"response_schema,omitempty"`
	RequestSchema  *schema.Node       `json:"request_schema,omitempty"`
}

// Chaos is the per-endpoint chaos configuration.
type Chaos struct {
	EndpointID int64 `json:"endpoint_id"`
	Level      int   `json:"chaos_level"`
	Active     bool  `json:"is_active"`
}

// DriftAlert is one contract drift record. At most one unresolved alert
// exists per endpoint; UpsertDriftAlert maintains the invariant.
type DriftAlert struct {
	ID         int64           `json:"id"`
	EndpointID int64           `json:"endpoint_id"`
	DetectedAt time.Time       `json:"detected_at"`
	Score      float64         `json:"drift_score"`
	Summary    string          `json:"drift_summary"`
	Details    []schema.Change `json:"drift_details"`
	Resolved   bool            `json:"is_resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// DriftStats aggregates an endpoint's drift history.
type DriftStats struct {
	EndpointID int64      `json:"endpoint_id"`
	Total      int        `json:"total"`
	Unresolved int        `json:"unresolved"`
	MaxScore   float64    `json:"max_score"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// HealthSample is one evaluated request.
type HealthSample struct {
	ID             int64     `json:"id"`
	EndpointID     int64     `json:"endpoint_id"`
	RecordedAt     time.Time `json:"recorded_at"`
	LatencyMs      float64   `json:"latency_ms"`
	StatusCode     int       `json:"status_code"`
	ResponseSize   int       `json:"response_size_bytes"`
	IsError        bool      `json:"is_error"`
	LatencyAnomaly bool      `json:"latency_anomaly"`
	ErrorSpike     bool      `json:"error_spike"`
	SizeAnomaly    bool      `json:"size_anomaly"`
	HealthScore    float64   `json:"health_score"`
	AnomalyReasons []string  `json:"anomaly_reasons"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the tables
// exist. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn between the worker and the request path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS endpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	method TEXT NOT NULL,
	path_pattern TEXT NOT NULL,
	target_url TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(method, path_pattern)
);
CREATE TABLE IF NOT EXISTS endpoint_behavior (
	endpoint_id INTEGER PRIMARY KEY REFERENCES endpoints(id),
	latency_mean REAL NOT NULL DEFAULT 400.0,
	latency_std REAL NOT NULL DEFAULT 100.0,
	error_rate REAL NOT NULL DEFAULT 0.0,
	sample_count INTEGER NOT NULL DEFAULT 0,
	status_code_distribution TEXT,
	response_schema TEXT,
	request_schema TEXT
);
CREATE TABLE IF NOT EXISTS chaos_config (
	endpoint_id INTEGER PRIMARY KEY REFERENCES endpoints(id),
	chaos_level INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS contract_drift (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
	detected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	drift_score REAL NOT NULL DEFAULT 0.0,
	drift_summary TEXT,
	drift_details TEXT,
	is_resolved INTEGER NOT NULL DEFAULT 0,
	resolved_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_drift_endpoint ON contract_drift(endpoint_id, is_resolved);
CREATE TABLE IF NOT EXISTS health_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	latency_ms REAL NOT NULL DEFAULT 0.0,
	status_code INTEGER NOT NULL DEFAULT 200,
	response_size_bytes INTEGER NOT NULL DEFAULT 0,
	is_error INTEGER NOT NULL DEFAULT 0,
	latency_anomaly INTEGER NOT NULL DEFAULT 0,
	error_spike INTEGER NOT NULL DEFAULT 0,
	size_anomaly INTEGER NOT NULL DEFAULT 0,
	health_score REAL NOT NULL DEFAULT 100.0,
	anomaly_reasons TEXT
);
CREATE INDEX IF NOT EXISTS idx_health_endpoint ON health_samples(endpoint_id, recorded_at);
`

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateEndpoint returns the endpoint for (method, pattern), creating
// it with default behavior and chaos rows on first observation. A losing
// racer hits the unique constraint and retries once, returning the
// winner's row.
func (s *Store) GetOrCreateEndpoint(method, pattern, targetURL string) (Endpoint, error) {
	ep, err := s.endpointByKey(method, pattern)
	if err == nil {
		return ep, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Endpoint{}, err
	}

	ep, err = s.createEndpoint(method, pattern, targetURL)
	if err == nil {
		return ep, nil
	}
	if isUniqueViolation(err) {
		return s.endpointByKey(method, pattern)
	}
	return Endpoint{}, err
}

func (s *Store) createEndpoint(method, pattern, targetURL string) (Endpoint, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Endpoint{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO endpoints (method, path_pattern, target_url) VALUES (?, ?, ?)`,
		method, pattern, targetURL,
	)
	if err != nil {
		return Endpoint{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Endpoint{}, err
	}
	if _, err := tx.Exec(`INSERT INTO endpoint_behavior (endpoint_id) VALUES (?)`, id); err != nil {
		return Endpoint{}, err
	}
	if _, err := tx.Exec(`INSERT INTO chaos_config (endpoint_id) VALUES (?)`, id); err != nil {
		return Endpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return Endpoint{}, err
	}
	return s.EndpointByID(id)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// EndpointByID fetches one endpoint row.
func (s *Store) EndpointByID(id int64) (Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(
		`SELECT id, method, path_pattern, target_url, created_at FROM endpoints WHERE id = ?`, id,
	))
}

func (s *Store) endpointByKey(method, pattern string) (Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(
		`SELECT id, method, path_pattern, target_url, created_at
		 FROM endpoints WHERE method = ? AND path_pattern = ?`, method, pattern,
	))
}

func scanEndpoint(row *sql.Row) (Endpoint, error) {
	var ep Endpoint
	err := row.Scan(&ep.ID, &ep.Method, &ep.PathPattern, &ep.TargetURL, &ep.CreatedAt)
	return ep, err
}

// ListEndpoints returns every endpoint ordered by creation time.
func (s *Store) ListEndpoints() ([]Endpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, method, path_pattern, target_url, created_at FROM endpoints ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.Method, &ep.PathPattern, &ep.TargetURL, &ep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Behavior fetches the learned model for an endpoint.
func (s *Store) Behavior(endpointID int64) (Behavior, error) {
	var (
		b          Behavior
		distJSON   sql.NullString
		respJSON   sql.NullString
		reqJSON    sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT endpoint_id, latency_mean, latency_std, error_rate, sample_count,
		        status_code_distribution, response_schema, request_schema
		 FROM endpoint_behavior WHERE endpoint_id = ?`, endpointID,
	).Scan(&b.EndpointID, &b.LatencyMean, &b.LatencyStd, &b.ErrorRate, &b.SampleCount,
		&distJSON, &respJSON, &reqJSON)
	if err != nil {
		return Behavior{}, err
	}
	if distJSON.Valid && distJSON.String != "" {
		if err := json.Unmarshal([]byte(distJSON.String), &b.StatusDist); err != nil {
			return Behavior{}, fmt.Errorf("store: decode status distribution: %w", err)
		}
	}
	if b.ResponseSchema, err = decodeSchema(respJSON); err != nil {
		return Behavior{}, err
	}
	if b.RequestSchema, err = decodeSchema(reqJSON); err != nil {
		return Behavior{}, err
	}
	return b, nil
}

func decodeSchema(col sql.NullString) (*schema.Node, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var node schema.Node
	if err := json.Unmarshal([]byte(col.String), &node); err != nil {
		return nil, fmt.Errorf("store: decode schema: %w", err)
	}
	return &node, nil
}

// UpdateBehavior writes back the full learned model in one transaction.
func (s *Store) UpdateBehavior(b Behavior) error {
	distJSON, err := json.Marshal(b.StatusDist)
	if err != nil {
		return err
	}
	respJSON, err := encodeSchema(b.ResponseSchema)
	if err != nil {
		return err
	}
	reqJSON, err := encodeSchema(b.RequestSchema)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE endpoint_behavior
		 SET latency_mean = ?, latency_std = ?, error_rate = ?, sample_count = ?,
		     status_code_distribution = ?, response_schema = ?, request_schema = ?
		 WHERE endpoint_id = ?`,
		b.LatencyMean, b.LatencyStd, b.ErrorRate, b.SampleCount,
		string(distJSON), respJSON, reqJSON, b.EndpointID,
	)
	return err
}

func encodeSchema(node *schema.Node) (any, error) {
	if node == nil {
		return nil, nil
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// ReplaceSchema overwrites one of the learned schemas. which must be
// "request" or "response".
func (s *Store) ReplaceSchema(endpointID int64, which string, node *schema.Node) error {
	col := ""
	switch which {
	case "request":
		col = "request_schema"
	case "response":
		col = "response_schema"
	default:
		return fmt.Errorf("store: unknown schema kind %q", which)
	}
	data, err := encodeSchema(node)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`UPDATE endpoint_behavior SET `+col+` = ? WHERE endpoint_id = ?`, data, endpointID,
	)
	return err
}

// Chaos fetches the chaos configuration for an endpoint.
func (s *Store) Chaos(endpointID int64) (Chaos, error) {
	var c Chaos
	err := s.db.QueryRow(
		`SELECT endpoint_id, chaos_level, is_active FROM chaos_config WHERE endpoint_id = ?`,
		endpointID,
	).Scan(&c.EndpointID, &c.Level, &c.Active)
	return c, err
}

// SetChaos writes the per-endpoint chaos level and active flag.
func (s *Store) SetChaos(endpointID int64, level int, active bool) error {
	_, err := s.db.Exec(
		`UPDATE chaos_config SET chaos_level = ?, is_active = ? WHERE endpoint_id = ?`,
		level, active, endpointID,
	)
	return err
}

// SetGlobalChaos bulk-updates every chaos config. Level 0 deactivates.
func (s *Store) SetGlobalChaos(level int) error {
	_, err := s.db.Exec(
		`UPDATE chaos_config SET chaos_level = ?, is_active = ?`, level, level > 0,
	)
	return err
}

// UpsertDriftAlert maintains the invariant of at most one unresolved
// alert per endpoint: the newest unresolved row is refreshed in place,
// stray duplicates are resolved, and a new row is inserted only when no
// unresolved alert exists. All in one transaction.
func (s *Store) UpsertDriftAlert(endpointID int64, score float64, summary string, details []schema.Change) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var newestID int64
	err = tx.QueryRow(
		`SELECT id FROM contract_drift
		 WHERE endpoint_id = ? AND is_resolved = 0
		 ORDER BY detected_at DESC, id DESC LIMIT 1`, endpointID,
	).Scan(&newestID)

	switch {
	case err == nil:
		now := time.Now().UTC()
		if _, err := tx.Exec(
			`UPDATE contract_drift
			 SET detected_at = ?, drift_score = ?, drift_summary = ?, drift_details = ?
			 WHERE id = ?`,
			now, score, summary, string(detailsJSON), newestID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE contract_drift SET is_resolved = 1, resolved_at = ?
			 WHERE endpoint_id = ? AND is_resolved = 0 AND id != ?`,
			now, endpointID, newestID,
		); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			`INSERT INTO contract_drift (endpoint_id, drift_score, drift_summary, drift_details)
			 VALUES (?, ?, ?, ?)`,
			endpointID, score, summary, string(detailsJSON),
		); err != nil {
			return err
		}
	default:
		return err
	}
	return tx.Commit()
}

// ListDriftAlerts returns alerts, newest first. endpointID 0 means all
// endpoints; includeResolved false filters to unresolved only.
func (s *Store) ListDriftAlerts(endpointID int64, includeResolved bool) ([]DriftAlert, error) {
	query := `SELECT id, endpoint_id, detected_at, drift_score, drift_summary,
	                 drift_details, is_resolved, resolved_at
	          FROM contract_drift WHERE 1=1`
	var args []any
	if endpointID != 0 {
		query += ` AND endpoint_id = ?`
		args = append(args, endpointID)
	}
	if !includeResolved {
		query += ` AND is_resolved = 0`
	}
	query += ` ORDER BY detected_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriftAlert
	for rows.Next() {
		var (
			a           DriftAlert
			summary     sql.NullString
			detailsJSON sql.NullString
			resolvedAt  sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.EndpointID, &a.DetectedAt, &a.Score,
			&summary, &detailsJSON, &a.Resolved, &resolvedAt); err != nil {
			return nil, err
		}
		a.Summary = summary.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		if detailsJSON.Valid && detailsJSON.String != "" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &a.Details); err != nil {
				return nil, fmt.Errorf("store: decode drift details: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveDriftAlert marks one alert resolved.
func (s *Store) ResolveDriftAlert(alertID int64) error {
	res, err := s.db.Exec(
		`UPDATE contract_drift SET is_resolved = 1, resolved_at = ? WHERE id = ? AND is_resolved = 0`,
		time.Now().UTC(), alertID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ActiveDrift reports whether an unresolved alert exists for the endpoint.
func (s *Store) ActiveDrift(endpointID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM contract_drift WHERE endpoint_id = ? AND is_resolved = 0`,
		endpointID,
	).Scan(&n)
	return n > 0, err
}

// DriftStats aggregates the drift history for one endpoint.
func (s *Store) DriftStats(endpointID int64) (DriftStats, error) {
	stats := DriftStats{EndpointID: endpointID}
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN is_resolved = 0 THEN 1 ELSE 0 END), 0),
		        COALESCE(MAX(drift_score), 0)
		 FROM contract_drift WHERE endpoint_id = ?`, endpointID,
	).Scan(&stats.Total, &stats.Unresolved, &stats.MaxScore)
	if err != nil {
		return DriftStats{}, err
	}
	// MAX(detected_at) would come back as a bare string (the aggregate
	// strips the column's declared type), so the newest timestamp is
	// fetched as a plain column read instead.
	if stats.Total > 0 {
		var lastSeen time.Time
		err = s.db.QueryRow(
			`SELECT detected_at FROM contract_drift
			 WHERE endpoint_id = ?
			 ORDER BY detected_at DESC, id DESC LIMIT 1`, endpointID,
		).Scan(&lastSeen)
		if err != nil {
			return DriftStats{}, err
		}
		stats.LastSeen = &lastSeen
	}
	return stats, nil
}

// InsertHealthSample appends one evaluated request.
func (s *Store) InsertHealthSample(h HealthSample) error {
	reasonsJSON, err := json.Marshal(h.AnomalyReasons)
	if err != nil {
		return err
	}
	recordedAt := h.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(
		`INSERT INTO health_samples
		   (endpoint_id, recorded_at, latency_ms, status_code, response_size_bytes,
		    is_error, latency_anomaly, error_spike, size_anomaly, health_score, anomaly_reasons)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.EndpointID, recordedAt, h.LatencyMs, h.StatusCode, h.ResponseSize,
		h.IsError, h.LatencyAnomaly, h.ErrorSpike, h.SizeAnomaly, h.HealthScore, string(reasonsJSON),
	)
	return err
}

// RecentHealthSamples returns the newest n samples for an endpoint.
func (s *Store) RecentHealthSamples(endpointID int64, n int) ([]HealthSample, error) {
	rows, err := s.db.Query(
		`SELECT id, endpoint_id, recorded_at, latency_ms, status_code, response_size_bytes,
		        is_error, latency_anomaly, error_spike, size_anomaly, health_score, anomaly_reasons
		 FROM health_samples WHERE endpoint_id = ?
		 ORDER BY recorded_at DESC, id DESC LIMIT ?`, endpointID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthSample
	for rows.Next() {
		var (
			h           HealthSample
			reasonsJSON sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.EndpointID, &h.RecordedAt, &h.LatencyMs, &h.StatusCode,
			&h.ResponseSize, &h.IsError, &h.LatencyAnomaly, &h.ErrorSpike, &h.SizeAnomaly,
			&h.HealthScore, &reasonsJSON); err != nil {
			return nil, err
		}
		if reasonsJSON.Valid && reasonsJSON.String != "" {
			if err := json.Unmarshal([]byte(reasonsJSON.String), &h.AnomalyReasons); err != nil {
				return nil, fmt.Errorf("store: decode anomaly reasons: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CreateManualEndpoint registers an endpoint before any real traffic
// exists. Sample bodies seed the learned schemas so mock mode can serve
// the route immediately.
func (s *Store) CreateManualEndpoint(method, pattern, targetURL string, sampleResponse, sampleRequest any) (Endpoint, error) {
	ep, err := s.GetOrCreateEndpoint(method, pattern, targetURL)
	if err != nil {
		return Endpoint{}, err
	}
	b, err := s.Behavior(ep.ID)
	if err != nil {
		return Endpoint{}, err
	}
	if sampleResponse != nil {
		b.ResponseSchema = schema.Learn(b.ResponseSchema, sampleResponse)
	}
	if sampleRequest != nil {
		b.RequestSchema = schema.Learn(b.RequestSchema, sampleRequest)
	}
	if b.StatusDist == nil {
		b.StatusDist = map[string]float64{"200": 1.0}
	}
	if err := s.UpdateBehavior(b); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}
