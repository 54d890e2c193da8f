package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	logx "dispatchq/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// sqlStore serves both SQL drivers. Queries are written with '?' and
// rebound to '$n' for postgres.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	dialect  goose.Dialect
	mapError func(error) error
}

// migrate applies the embedded migrations for the store's dialect.
func (s *sqlStore) migrate(ctx context.Context, dir string) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(s.dialect, s.db, sub)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info("migration applied", logx.String("source", r.Source.Path), logx.Duration("took", r.Duration))
	}
	return nil
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect != goose.DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	return s.mapError(err)
}

func (s *sqlStore) StartRun(ctx context.Context, r Run) error {
	return s.exec(ctx,
		`INSERT INTO runs(id, started_at, host, version) VALUES(?,?,?,?)`,
		r.ID, r.StartedAt.UTC().UnixMilli(), r.Host, r.Version,
	)
}

func (s *sqlStore) Append(ctx context.Context, r Record) error {
	var throttled sql.NullInt64
	if !r.ThrottledUntil.IsZero() {
		throttled = sql.NullInt64{Int64: r.ThrottledUntil.UTC().UnixMilli(), Valid: true}
	}
	return s.exec(ctx,
		`INSERT INTO task_history(run_id, task_id, name, kind, attempt, priority, err, at, throttled_until)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.RunID, int64(r.TaskID), r.Name, string(r.Kind), r.Attempt, r.Priority, r.Error, r.At.UTC().UnixMilli(), throttled,
	)
}

func (s *sqlStore) Recent(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.TaskID != 0 {
		where = append(where, "task_id = ?")
		args = append(args, int64(q.TaskID))
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	stmt := `SELECT run_id, task_id, name, kind, attempt, priority, err, at, throttled_until FROM task_history`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, s.rebind(stmt), args...)
	if err != nil {
		return nil, s.mapError(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			taskID    int64
			kind      string
			at        int64
			throttled sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &taskID, &r.Name, &kind, &r.Attempt, &r.Priority, &r.Error, &at, &throttled); err != nil {
			return nil, s.mapError(err)
		}
		r.TaskID = uint64(taskID)
		r.Kind = Kind(kind)
		r.At = time.UnixMilli(at).UTC()
		if throttled.Valid {
			r.ThrottledUntil = time.UnixMilli(throttled.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, s.mapError(rows.Err())
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
