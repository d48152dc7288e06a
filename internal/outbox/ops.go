package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/jmehdipour/jobengine/internal/event"
	"github.com/jmoiron/sqlx"
)

// Insert writes row into t and records a created change.
func (s *Session) Insert(ctx context.Context, t Table, row map[string]any) (int64, error) {
	cols, args, err := columns(row)
	if err != nil {
		return 0, err
	}
	if err := checkTable(t); err != nil {
		return 0, err
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(t.Name), quoteAll(cols), placeholders(len(cols)))

	var id int64
	err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", t.Name, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert %s: last id: %w", t.Name, err)
		}
		after, err := readRow(ctx, tx, t.Name, id, false)
		if err != nil {
			return err
		}
		s.Record(ctx, event.Change{
			Entity:         t.Entity,
			ID:             id,
			Type:           event.TypeCreated,
			After:          after,
			ChangedColumns: cols,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Update applies changes to row id and records an updated change.
// Returns false when the row does not exist.
func (s *Session) Update(ctx context.Context, t Table, id int64, changes map[string]any) (bool, error) {
	return s.UpdateIf(ctx, t, id, nil, changes)
}

// UpdateIf applies changes only when every column in cond currently holds
// the given value. The row is read with FOR UPDATE first, so the check and
// the write happen under the row lock. Returns false when the row is missing
// or the condition does not hold; nothing is recorded in that case.
func (s *Session) UpdateIf(ctx context.Context, t Table, id int64, cond, changes map[string]any) (bool, error) {
	cols, args, err := columns(changes)
	if err != nil {
		return false, err
	}
	if err := checkTable(t); err != nil {
		return false, err
	}
	condCols, condArgs, err := columns(cond)
	if err != nil && !errors.Is(err, ErrEmptyRow) {
		return false, err
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quote(c) + " = ?"
	}
	where := []string{"`id` = ?"}
	for _, c := range condCols {
		where = append(where, quote(c)+" = ?")
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quote(t.Name), strings.Join(sets, ", "), strings.Join(where, " AND "))
	qargs := append(append(args, id), condArgs...)

	var ok bool
	err = s.InTx(ctx, func(tx *sqlx.Tx) error {
		before, err := readRow(ctx, tx, t.Name, id, true)
		if err != nil {
			return err
		}
		if before == nil || !matches(before, cond) {
			return nil
		}
		if _, err := tx.ExecContext(ctx, q, qargs...); err != nil {
			return fmt.Errorf("update %s: %w", t.Name, err)
		}
		after, err := readRow(ctx, tx, t.Name, id, false)
		if err != nil {
			return err
		}
		ok = true
		s.Record(ctx, event.Change{
			Entity:         t.Entity,
			ID:             id,
			Type:           event.TypeUpdated,
			Before:         before,
			After:          after,
			ChangedColumns: diff(before, after, cols),
		})
		return nil
	})
	return ok, err
}

// Delete removes row id and records a deleted change. Returns false when
// the row does not exist.
func (s *Session) Delete(ctx context.Context, t Table, id int64) (bool, error) {
	if err := checkTable(t); err != nil {
		return false, err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE `id` = ?", quote(t.Name))

	var ok bool
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		before, err := readRow(ctx, tx, t.Name, id, true)
		if err != nil || before == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete %s: %w", t.Name, err)
		}
		ok = true
		s.Record(ctx, event.Change{
			Entity: t.Entity,
			ID:     id,
			Type:   event.TypeDeleted,
			Before: before,
		})
		return nil
	})
	return ok, err
}

// BulkFunc performs a multi-row mutation and returns the affected row count.
type BulkFunc func(ctx context.Context, tx *sqlx.Tx) (int64, error)

// Bulk runs fn in its own transaction (joining an open one) and records a
// single aggregate change instead of one per row. The aggregate carries a
// process-local batch number as its id.
func (s *Session) Bulk(ctx context.Context, entity, operation string, fn BulkFunc) (int64, error) {
	if !event.ValidEntity(entity) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, entity)
	}

	var affected int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		start := time.Now()
		n, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		affected = n
		s.Record(ctx, event.Change{
			Entity: entity,
			ID:     s.w.bulkSeq.Add(1),
			Type:   event.TypeBulk,
			After: event.Row{
				"operation":     operation,
				"affected_rows": n,
				"duration_ms":   time.Since(start).Milliseconds(),
			},
		})
		return nil
	})
	return affected, err
}

func readRow(ctx context.Context, tx *sqlx.Tx, table string, id int64, forUpdate bool) (event.Row, error) {
	q := fmt.Sprintf("SELECT * FROM %s WHERE `id` = ?", quote(table))
	if forUpdate {
		q += " FOR UPDATE"
	}
	row := make(map[string]any)
	if err := tx.QueryRowxContext(ctx, q, id).MapScan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s %d: %w", table, id, err)
	}
	return normalize(row), nil
}

// normalize turns driver []byte values into strings.
func normalize(row map[string]any) event.Row {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

func matches(row event.Row, cond map[string]any) bool {
	for k, want := range cond {
		if fmt.Sprint(row[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func diff(before, after event.Row, cols []string) []string {
	var changed []string
	for _, c := range cols {
		if !reflect.DeepEqual(before[c], after[c]) {
			changed = append(changed, c)
		}
	}
	return changed
}

func columns(row map[string]any) ([]string, []any, error) {
	if len(row) == 0 {
		return nil, nil, ErrEmptyRow
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		if !event.ValidEntity(c) {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidName, c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	return cols, args, nil
}

func checkTable(t Table) error {
	if !event.ValidEntity(t.Name) || !event.ValidEntity(t.Entity) {
		return fmt.Errorf("%w: %q/%q", ErrInvalidName, t.Name, t.Entity)
	}
	return nil
}

func quote(ident string) string { return "`" + ident + "`" }

func quoteAll(idents []string) string {
	q := make([]string, len(idents))
	for i, c := range idents {
		q[i] = quote(c)
	}
	return strings.Join(q, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
