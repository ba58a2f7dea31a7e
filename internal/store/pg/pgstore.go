// Package pg is the durable backend: user accounts, role grants, and the
// audit trail in Postgres. Every method degrades to a clean error when the
// connection is gone; policy evaluation itself never touches the database.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"newstrnt.org/internal/engine"
)

func newID() string { return uuid.NewString() }

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ engine.UserStore = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection; tests inject sqlmock through here.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*engine.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u engine.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, active, created_at, updated_at
		from users
		where lower(email) = lower($1)
	`, strings.TrimSpace(email)).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*engine.User, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var u engine.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, name, password_hash, role, active, created_at, updated_at
		from users
		where id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) Create(ctx context.Context, u *engine.User) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	if u.ID == "" {
		u.ID = newID()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, email, name, password_hash, role, active)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at, updated_at
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Active).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return engine.ErrUserExists
		}
		return err
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, hash string) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1
	`, id, hash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return engine.ErrUserNotFound
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, errors.New("database connection unavailable")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
