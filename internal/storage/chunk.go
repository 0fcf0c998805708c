package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ChunkError reports a rolled back chunk of a bulk write.
type ChunkError struct {
	Err   error
	Table string
	Index int
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("write %s chunk %d: %v", e.Table, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ChunkErrors returns every *ChunkError contained in err.
func ChunkErrors(err error) []*ChunkError {
	if err == nil {
		return nil
	}

	var out []*ChunkError
	var ce *ChunkError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if errors.As(e, &ce) {
				out = append(out, ce)
			}
		}
		return out
	}
	if errors.As(err, &ce) {
		out = append(out, ce)
	}

	return out
}

// bulk describes a multi-row INSERT statement.
type bulk struct {
	table  string
	insert string // statement head up to and including VALUES
	row    string // placeholder group of one row
	tail   string // conflict clause
	// sequence resyncs sqlite_sequence after each chunk.
	sequence bool
	columns  int
}

func (b bulk) statement(rows int) string {
	var sb strings.Builder
	sb.WriteString(b.insert)
	sb.WriteByte(' ')
	for i := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(b.row)
	}
	if b.tail != "" {
		sb.WriteByte(' ')
		sb.WriteString(b.tail)
	}

	return sb.String()
}

// writeRows runs b over rows in transactional chunks. Chunk failures are
// collected; a canceled context stops the remaining chunks.
func writeRows[T any](ctx context.Context, r *Repository, b bulk, rows []T, args func(T) []any) error {
	if len(rows) == 0 {
		return nil
	}

	var errs []error
	index := 0
	for chunk := range slices.Chunk(rows, max(1, r.maxParams/b.columns)) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		values := make([]any, 0, len(chunk)*b.columns)
		for _, row := range chunk {
			values = append(values, args(row)...)
		}

		if err := r.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, b.statement(len(chunk)), values...); err != nil {
				return err
			}
			if b.sequence {
				return resetSequence(ctx, tx, b.table)
			}
			return nil
		}); err != nil {
			errs = append(errs, &ChunkError{Table: b.table, Index: index, Err: err})
			r.log.Error().Err(err).Str("table", b.table).Int("chunk", index).Int("rows", len(chunk)).Msg("Chunk rolled back")
		}
		index++
	}

	return errors.Join(errs...)
}

func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// resetSequence pulls the AUTOINCREMENT counter back to the highest id, so
// ignored and conflicting inserts do not burn ids.
func resetSequence(ctx context.Context, tx *sql.Tx, table string) error {
	query := fmt.Sprintf(
		"UPDATE sqlite_sequence SET seq = (SELECT COALESCE(MAX(id), 0) FROM %s) WHERE name = ?", table,
	)
	_, err := tx.ExecContext(ctx, query, table)

	return err
}

// placeholders returns "?,?,?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	return strings.Repeat("?,", n-1) + "?"
}

// queryIn runs query once per chunk of keys. query holds a single %s that is
// replaced by the IN list; extra parameters are bound after the keys.
func queryIn[K any](ctx context.Context, r *Repository, query string, keys []K, extra []any, scan func(*sql.Rows) error) error {
	size := max(1, r.maxParams-len(extra))
	for chunk := range slices.Chunk(keys, size) {
		args := make([]any, 0, len(chunk)+len(extra))
		for _, k := range chunk {
			args = append(args, k)
		}
		args = append(args, extra...)

		if err := r.scanRows(ctx, fmt.Sprintf(query, placeholders(len(chunk))), args, scan); err != nil {
			return err
		}
	}

	return nil
}

func (r *Repository) scanRows(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}

	return rows.Err()
}
