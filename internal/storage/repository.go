package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Repository provides the allocator's and request logger's database
// operations against the three core tables.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// the embedded schema migration, matching the teacher's
// NewRepository/migrate shape.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		token_hash TEXT NOT NULL UNIQUE,
		max_alias INTEGER DEFAULT 5,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		alias TEXT NOT NULL UNIQUE,
		port INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_aliases_user_id ON user_aliases(user_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_user_aliases_user_port ON user_aliases(user_id, port);

	CREATE TABLE IF NOT EXISTS api_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alias TEXT NOT NULL,
		port INTEGER,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INTEGER,
		bytes_in INTEGER,
		bytes_out INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_api_requests_alias ON api_requests(alias);
	CREATE INDEX IF NOT EXISTS idx_api_requests_created_at ON api_requests(created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// LookupUser returns the known user matching token, or nil, nil if the
// token is unrecognized (not an error — an unknown token falls through to
// ephemeral allocation, per spec §4.1 step 1).
func (r *Repository) LookupUser(token string) (*User, error) {
	rows, err := r.db.Query(`SELECT id, token_hash, max_alias, created_at FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.TokenHash, &u.MaxAlias, &u.CreatedAt); err != nil {
			return nil, err
		}
		if bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(token)) == nil {
			return &u, nil
		}
	}
	return nil, rows.Err()
}

// CreateUser registers token as a known user with the given alias quota.
// Intended for operator provisioning, not for the hot registration path.
func (r *Repository) CreateUser(id, token string, maxAlias int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO users (id, token_hash, max_alias) VALUES (?, ?, ?)`,
		id, string(hash), maxAlias,
	)
	return err
}

// CountAliases returns how many persisted aliases belong to userID.
func (r *Repository) CountAliases(userID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM user_aliases WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// FindAlias returns the persisted alias for (userID, port), or "" if none
// exists yet.
func (r *Repository) FindAlias(userID string, port int) (string, error) {
	var alias string
	err := r.db.QueryRow(
		`SELECT alias FROM user_aliases WHERE user_id = ? AND port = ?`, userID, port,
	).Scan(&alias)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return alias, err
}

// PersistAlias records a fresh (userID, alias, port) binding.
func (r *Repository) PersistAlias(userID, alias string, port int) error {
	_, err := r.db.Exec(
		`INSERT INTO user_aliases (user_id, alias, port) VALUES (?, ?, ?)`,
		userID, alias, port,
	)
	return err
}

// LogRequest inserts one completed-request row. Callers treat storage
// failures here as best-effort: log and continue, per spec §7.2.
func (r *Repository) LogRequest(l *RequestLog) error {
	_, err := r.db.Exec(
		`INSERT INTO api_requests (alias, port, method, path, status_code, bytes_in, bytes_out, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Alias, l.Port, l.Method, l.Path, l.StatusCode, l.BytesIn, l.BytesOut, time.Now(),
	)
	return err
}

// Close closes the underlying database connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
