package repo

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tinoosan/sharetask/internal/data"
)

// PostgresRepo implements TaskRepo backed by PostgreSQL. It keeps one row
// per task in the `tasks` table; a partial unique index on fingerprint
// rejects a second live task for the same remote object.
type PostgresRepo struct {
	db *sql.DB
}

var _ TaskRepo = (*PostgresRepo)(nil)

// PostgresConfig holds the connection components. Credentials and the
// database name are URL-encoded when building the DSN.
type PostgresConfig struct {
	Host     string
	Port     string
	DB       string
	User     string
	Password string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DB,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// NewPostgresRepo opens the database, verifies the connection and ensures
// the schema exists.
func NewPostgresRepo(ctx context.Context, dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    kind TEXT NOT NULL,
    path TEXT NOT NULL,
    destination TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    desired_status TEXT NOT NULL DEFAULT '',
    bytes_received BIGINT NOT NULL DEFAULT 0,
    bytes_expected BIGINT NOT NULL DEFAULT -1,
    resume_offset BIGINT NOT NULL DEFAULT 0,
    final_path TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
CREATE UNIQUE INDEX IF NOT EXISTS tasks_live_fingerprint
    ON tasks (fingerprint)
    WHERE fingerprint <> '' AND status NOT IN ('Completed','Failed','Cancelled')`)
	return err
}

const taskColumns = `id,kind,path,destination,status,desired_status,bytes_received,bytes_expected,resume_offset,final_path,error,fingerprint,created_at,updated_at`

func (r *PostgresRepo) List(ctx context.Context) (data.Tasks, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := data.Tasks{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*data.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, data.ErrNotFound
	}
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id))
}

func (r *PostgresRepo) GetActiveByFingerprint(ctx context.Context, fprint string) (*data.Task, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE fingerprint=$1 AND status NOT IN ('Completed','Failed','Cancelled')`, fprint))
}

func (r *PostgresRepo) Add(ctx context.Context, t *data.Task) (*data.Task, error) {
	c := t.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, string(c.Kind), c.Path, c.Destination, string(c.Status), string(c.DesiredStatus),
		c.BytesReceived, c.BytesExpected, c.ResumeOffset, c.FinalPath, c.Error, c.Fingerprint, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, data.ErrConflict
		}
		return nil, err
	}
	return r.Get(ctx, c.ID)
}

// Update serializes writers per row with SELECT ... FOR UPDATE.
func (r *PostgresRepo) Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, data.ErrNotFound
	}
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanOne(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID, next.CreatedAt, next.UpdatedAt = cur.ID, cur.CreatedAt, cur.UpdatedAt
	if *next == *cur {
		return cur, tx.Commit()
	}
	next.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET kind=$1, path=$2, destination=$3, status=$4, desired_status=$5,
bytes_received=$6, bytes_expected=$7, resume_offset=$8, final_path=$9, error=$10, fingerprint=$11, updated_at=$12 WHERE id=$13`,
		string(next.Kind), next.Path, next.Destination, string(next.Status), string(next.DesiredStatus),
		next.BytesReceived, next.BytesExpected, next.ResumeOffset, next.FinalPath, next.Error, next.Fingerprint, next.UpdatedAt, id); err != nil {
		if isUniqueViolation(err) {
			return nil, data.ErrConflict
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return data.ErrNotFound
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return data.ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanOne(rs rowScanner) (*data.Task, error) {
	t, err := scanTask(rs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, data.ErrNotFound
	}
	return t, err
}

func scanTask(rs rowScanner) (*data.Task, error) {
	var (
		t              data.Task
		kind, st, want string
	)
	if err := rs.Scan(&t.ID, &kind, &t.Path, &t.Destination, &st, &want,
		&t.BytesReceived, &t.BytesExpected, &t.ResumeOffset, &t.FinalPath, &t.Error, &t.Fingerprint,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = data.TaskKind(kind)
	t.Status = data.TaskStatus(st)
	t.DesiredStatus = data.TaskStatus(want)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
