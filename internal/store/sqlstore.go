// Package store's default implementation backs onto either SQLite or
// PostgreSQL through the same sqlx surface, using internal/db/dialect to
// paper over the handful of SQL fragments that differ between them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/chatproxy/internal/apperr"
	"github.com/kandev/chatproxy/internal/db"
	"github.com/kandev/chatproxy/internal/db/dialect"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500

	maxBusyRetries = 5
	busyRetryBase  = 5 * time.Millisecond
	busyRetryCap   = 100 * time.Millisecond
)

// isBusyErr reports whether err looks like a transient SQLite lock
// contention error, worth retrying rather than surfacing as a StoreError.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// writeWithRetry runs fn, retrying up to maxBusyRetries times with a short
// randomized backoff when fn fails on transient writer contention. The
// writer pool is already a single connection, so contention here comes from
// overlapping transactions or an external process sharing the file.
func writeWithRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusyErr(err) {
			return err
		}
		capDur := busyRetryBase << attempt
		if capDur > busyRetryCap {
			capDur = busyRetryCap
		}
		time.Sleep(time.Duration(rand.Int63n(int64(capDur) + 1)))
	}
	return err
}

// SQLStore implements Store over a reader/writer sqlx pool, portable
// between the sqlite3 and pgx drivers via the dialect package.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

// NewSQLStore wraps an already-open Pool and ensures the schema exists.
// driver must be dialect.SQLite3 or dialect.PGX.
func NewSQLStore(pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{pool: pool, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenSQLite builds a Pool from a SQLite file path and wraps it as a Store.
func OpenSQLite(path string) (*SQLStore, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	return NewSQLStore(pool, dialect.SQLite3)
}

// OpenPostgres builds a Pool from a Postgres DSN and wraps it as a Store.
func OpenPostgres(dsn string, maxConns, minConns int) (*SQLStore, error) {
	conn, err := db.OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, err
	}
	sx := sqlx.NewDb(conn, "pgx")
	pool := db.NewPool(sx, sx)
	return NewSQLStore(pool, dialect.PGX)
}

func (s *SQLStore) Close() error { return s.pool.Close() }

func (s *SQLStore) initSchema() error {
	idType := "TEXT PRIMARY KEY"
	timestampType := "TIMESTAMP"
	if dialect.IsPostgres(s.driver) {
		timestampType = "TIMESTAMPTZ"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS gateways (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		token TEXT DEFAULT '',
		password TEXT DEFAULT '',
		created_at %[1]s NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id %[2]s,
		gateway_id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		title TEXT DEFAULT '',
		agent_id TEXT DEFAULT '',
		model_id TEXT DEFAULT '',
		created_at %[1]s NOT NULL,
		last_activity %[1]s NOT NULL,
		UNIQUE(gateway_id, session_key),
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_gateway_key ON sessions(gateway_id, session_key);
	CREATE INDEX IF NOT EXISTS idx_sessions_gateway_activity ON sessions(gateway_id, last_activity DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id %[2]s,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		upstream_ts %[1]s,
		created_at %[1]s NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS federated_sessions (
		id %[2]s,
		title TEXT DEFAULT '',
		targets TEXT NOT NULL DEFAULT '[]',
		created_at %[1]s NOT NULL,
		last_activity %[1]s NOT NULL
	);
	`, timestampType, idType)

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) now() time.Time { return time.Now().UTC() }

// execWriter runs a write statement through the writer connection, rebound
// for the active driver's placeholder style, retrying on transient busy
// errors.
func (s *SQLStore) execWriter(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := writeWithRetry(func() error {
		var execErr error
		res, execErr = s.pool.Writer().ExecContext(ctx, s.pool.Writer().Rebind(query), args...)
		return execErr
	})
	return res, err
}

// ListGateways returns every configured gateway, secrets omitted.
func (s *SQLStore) ListGateways(ctx context.Context) ([]Gateway, error) {
	var rows []Gateway
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT id, name, url, created_at FROM gateways ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return rows, nil
}

// AddGateway persists a new gateway config, failing with AlreadyExists if
// the id is already taken.
func (s *SQLStore) AddGateway(ctx context.Context, id, name, url, token, password string) (Gateway, error) {
	if id == "" || name == "" || url == "" {
		return Gateway{}, apperr.Validation("id, name, and url are required")
	}

	existing, err := s.GetGatewayRecord(ctx, id)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return Gateway{}, err
	}
	if existing != nil {
		return Gateway{}, apperr.AlreadyExists("gateway %q already exists", id)
	}

	createdAt := s.now()
	_, err = s.execWriter(ctx,
		`INSERT INTO gateways (id, name, url, token, password, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, url, token, password, createdAt)
	if err != nil {
		return Gateway{}, apperr.Store(err)
	}

	return Gateway{ID: id, Name: name, URL: url, CreatedAt: createdAt}, nil
}

// GetGatewayRecord returns the full record including secrets, or
// NotFound if no such gateway exists.
func (s *SQLStore) GetGatewayRecord(ctx context.Context, id string) (*GatewayRecord, error) {
	var rec GatewayRecord
	err := s.pool.Reader().GetContext(ctx, &rec, s.pool.Reader().Rebind(
		`SELECT id, name, url, token, password, created_at FROM gateways WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("gateway %q not found", id)
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	return &rec, nil
}

// DeleteGateway removes a gateway config; sessions and messages cascade.
func (s *SQLStore) DeleteGateway(ctx context.Context, id string) error {
	res, err := s.execWriter(ctx, `DELETE FROM gateways WHERE id = ?`, id)
	if err != nil {
		return apperr.Store(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("gateway %q not found", id)
	}
	return nil
}

// ListSessions returns every session for a gateway, most recently active first.
func (s *SQLStore) ListSessions(ctx context.Context, gatewayID string) ([]Session, error) {
	var rows []Session
	err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(
		`SELECT id, gateway_id, session_key, title, agent_id, model_id, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? ORDER BY last_activity DESC`), gatewayID)
	if err != nil {
		return nil, apperr.Store(err)
	}
	return rows, nil
}

// GetSession looks up a session by its (gateway, session key) pair.
func (s *SQLStore) GetSession(ctx context.Context, gatewayID, sessionKey string) (*Session, error) {
	var sess Session
	err := s.pool.Reader().GetContext(ctx, &sess, s.pool.Reader().Rebind(
		`SELECT id, gateway_id, session_key, title, agent_id, model_id, created_at, last_activity
		 FROM sessions WHERE gateway_id = ? AND session_key = ?`), gatewayID, sessionKey)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("session %q/%q not found", gatewayID, sessionKey)
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	return &sess, nil
}

// UpsertSession inserts a session if new, or touches last_activity (and any
// provided metadata) if it already exists.
func (s *SQLStore) UpsertSession(ctx context.Context, gatewayID, sessionKey, agentID, modelID, title string) (Session, error) {
	now := s.now()

	existing, err := s.GetSession(ctx, gatewayID, sessionKey)
	if err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return Session{}, err
	}

	if existing != nil {
		setClauses := []string{"last_activity = ?"}
		args := []any{now}
		if agentID != "" {
			setClauses = append(setClauses, "agent_id = ?")
			args = append(args, agentID)
			existing.AgentID = agentID
		}
		if modelID != "" {
			setClauses = append(setClauses, "model_id = ?")
			args = append(args, modelID)
			existing.ModelID = modelID
		}
		if title != "" {
			setClauses = append(setClauses, "title = ?")
			args = append(args, title)
			existing.Title = title
		}
		args = append(args, existing.ID)
		query := fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, strings.Join(setClauses, ", "))
		if _, err := s.execWriter(ctx, query, args...); err != nil {
			return Session{}, apperr.Store(err)
		}
		existing.LastActivity = now
		return *existing, nil
	}

	sess := Session{
		ID:           uuid.New().String(),
		GatewayID:    gatewayID,
		SessionKey:   sessionKey,
		Title:        title,
		AgentID:      agentID,
		ModelID:      modelID,
		CreatedAt:    now,
		LastActivity: now,
	}
	_, err = s.execWriter(ctx,
		`INSERT INTO sessions (id, gateway_id, session_key, title, agent_id, model_id, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.GatewayID, sess.SessionKey, sess.Title, sess.AgentID, sess.ModelID, sess.CreatedAt, sess.LastActivity)
	if err != nil {
		return Session{}, apperr.Store(err)
	}
	return sess, nil
}

// DeleteSession removes a session; its messages cascade with it.
func (s *SQLStore) DeleteSession(ctx context.Context, gatewayID, sessionKey string) error {
	res, err := s.execWriter(ctx, `DELETE FROM sessions WHERE gateway_id = ? AND session_key = ?`, gatewayID, sessionKey)
	if err != nil {
		return apperr.Store(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("session %q/%q not found", gatewayID, sessionKey)
	}
	return nil
}

type messageRow struct {
	ID         string     `db:"id"`
	SessionID  string     `db:"session_id"`
	Role       string     `db:"role"`
	Content    string     `db:"content"`
	UpstreamTS *time.Time `db:"upstream_ts"`
	CreatedAt  time.Time  `db:"created_at"`
}

func (row messageRow) toMessage() (Message, error) {
	var blocks []ContentBlock
	if err := json.Unmarshal([]byte(row.Content), &blocks); err != nil {
		return Message{}, fmt.Errorf("decode message content: %w", err)
	}
	return Message{
		ID:          row.ID,
		SessionID:   row.SessionID,
		Role:        Role(row.Role),
		Content:     blocks,
		ContentJSON: row.Content,
		UpstreamTS:  row.UpstreamTS,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// ListMessages returns a session's transcript, oldest first. limit==0
// returns an empty list; limit<0 is invalid and falls back to
// defaultMessageLimit; limit is otherwise clamped to maxMessageLimit.
// beforeID, if set, excludes that message and everything after it.
func (s *SQLStore) ListMessages(ctx context.Context, gatewayID, sessionKey string, limit int, beforeID string) ([]Message, error) {
	if limit == 0 {
		return []Message{}, nil
	}
	if limit < 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	sess, err := s.GetSession(ctx, gatewayID, sessionKey)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	query := `SELECT id, session_id, role, content, upstream_ts, created_at FROM messages WHERE session_id = ?`
	args := []any{sess.ID}
	if beforeID != "" {
		query += ` AND created_at < (SELECT created_at FROM messages WHERE id = ?)`
		args = append(args, beforeID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, apperr.Store(err)
	}

	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, apperr.Store(err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// AppendMessage adds one message to a session's transcript, auto-creating
// the session if this is its first mention, and bumps last_activity.
func (s *SQLStore) AppendMessage(ctx context.Context, gatewayID, sessionKey string, role Role, content []ContentBlock, upstreamTS *int64) (Message, error) {
	sess, err := s.UpsertSession(ctx, gatewayID, sessionKey, "", "", "")
	if err != nil {
		return Message{}, err
	}

	contentJSON, err := json.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode message content: %w", err)
	}

	var upstreamTime *time.Time
	if upstreamTS != nil {
		t := time.UnixMilli(*upstreamTS).UTC()
		upstreamTime = &t
	}

	msg := Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		Role:        role,
		Content:     content,
		ContentJSON: string(contentJSON),
		UpstreamTS:  upstreamTime,
		CreatedAt:   s.now(),
	}

	_, err = s.execWriter(ctx,
		`INSERT INTO messages (id, session_id, role, content, upstream_ts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.ContentJSON, msg.UpstreamTS, msg.CreatedAt)
	if err != nil {
		return Message{}, apperr.Store(err)
	}

	if _, err := s.execWriter(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`, msg.CreatedAt, sess.ID); err != nil {
		return Message{}, apperr.Store(err)
	}

	return msg, nil
}

type federatedSessionRow struct {
	ID           string    `db:"id"`
	Title        string    `db:"title"`
	Targets      string    `db:"targets"`
	CreatedAt    time.Time `db:"created_at"`
	LastActivity time.Time `db:"last_activity"`
}

func (row federatedSessionRow) toFederatedSession() (FederatedSession, error) {
	var targets []FederatedTarget
	if err := json.Unmarshal([]byte(row.Targets), &targets); err != nil {
		return FederatedSession{}, fmt.Errorf("decode federated targets: %w", err)
	}
	return FederatedSession{
		ID:           row.ID,
		Title:        row.Title,
		Targets:      targets,
		TargetsJSON:  row.Targets,
		CreatedAt:    row.CreatedAt,
		LastActivity: row.LastActivity,
	}, nil
}

// CreateFederatedSession persists a new named collection of targets.
func (s *SQLStore) CreateFederatedSession(ctx context.Context, title string, targets []FederatedTarget) (FederatedSession, error) {
	if len(targets) == 0 {
		return FederatedSession{}, apperr.Validation("federated session requires at least one target")
	}
	targetsJSON, err := json.Marshal(targets)
	if err != nil {
		return FederatedSession{}, fmt.Errorf("encode federated targets: %w", err)
	}

	now := s.now()
	fs := FederatedSession{
		ID:           uuid.New().String(),
		Title:        title,
		Targets:      targets,
		TargetsJSON:  string(targetsJSON),
		CreatedAt:    now,
		LastActivity: now,
	}

	_, err = s.execWriter(ctx,
		`INSERT INTO federated_sessions (id, title, targets, created_at, last_activity) VALUES (?, ?, ?, ?, ?)`,
		fs.ID, fs.Title, fs.TargetsJSON, fs.CreatedAt, fs.LastActivity)
	if err != nil {
		return FederatedSession{}, apperr.Store(err)
	}
	return fs, nil
}

// ListFederatedSessions returns every federated session, most recent first.
func (s *SQLStore) ListFederatedSessions(ctx context.Context) ([]FederatedSession, error) {
	var rows []federatedSessionRow
	err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT id, title, targets, created_at, last_activity FROM federated_sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, apperr.Store(err)
	}
	out := make([]FederatedSession, 0, len(rows))
	for _, row := range rows {
		fs, err := row.toFederatedSession()
		if err != nil {
			return nil, apperr.Store(err)
		}
		out = append(out, fs)
	}
	return out, nil
}

// GetFederatedSession looks up a federated session by id.
func (s *SQLStore) GetFederatedSession(ctx context.Context, id string) (*FederatedSession, error) {
	var row federatedSessionRow
	err := s.pool.Reader().GetContext(ctx, &row, s.pool.Reader().Rebind(
		`SELECT id, title, targets, created_at, last_activity FROM federated_sessions WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("federated session %q not found", id)
	}
	if err != nil {
		return nil, apperr.Store(err)
	}
	fs, err := row.toFederatedSession()
	if err != nil {
		return nil, apperr.Store(err)
	}
	return &fs, nil
}

// DeleteFederatedSession removes a federated session. This does not touch
// the underlying per-gateway sessions it referenced.
func (s *SQLStore) DeleteFederatedSession(ctx context.Context, id string) error {
	res, err := s.execWriter(ctx, `DELETE FROM federated_sessions WHERE id = ?`, id)
	if err != nil {
		return apperr.Store(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("federated session %q not found", id)
	}
	return nil
}
