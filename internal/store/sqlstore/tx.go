package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store"
)

const selectColumns = "SELECT id, name, partner_id FROM entities"

// Tx is a database/sql transaction bound to a dialect.
type Tx struct {
	s        *Store
	tx       *sql.Tx
	iso      entity.IsolationLevel
	readOnly bool
	done     bool
}

// Isolation implements store.Tx. It reports the level the engine actually
// runs, which may be stricter than requested.
func (t *Tx) Isolation() entity.IsolationLevel { return t.iso }

func (t *Tx) check(write bool) error {
	if t.done {
		return store.ErrTxDone
	}
	if write && t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.s.dialect.rebind(query), args...)
	return res, t.s.dialect.classify(err)
}

// Create implements store.Tx.
func (t *Tx) Create(ctx context.Context, name string) (entity.Entity, error) {
	if err := t.check(true); err != nil {
		return entity.Entity{}, err
	}
	var id int64
	q := t.s.dialect.rebind("INSERT INTO entities (name) VALUES (?) RETURNING id")
	if err := t.tx.QueryRowContext(ctx, q, name).Scan(&id); err != nil {
		return entity.Entity{}, fmt.Errorf("create: %w", t.s.dialect.classify(err))
	}
	return entity.Entity{ID: entity.ID(id), Name: name}, nil
}

// Fetch implements store.Tx.
func (t *Tx) Fetch(ctx context.Context, id entity.ID, mode entity.LockMode) (entity.Entity, error) {
	if err := t.check(false); err != nil {
		return entity.Entity{}, err
	}
	q := t.s.dialect.rebind(selectColumns + " WHERE id = ?" + t.s.dialect.lockSuffix[mode])
	e, err := scanEntity(t.tx.QueryRowContext(ctx, q, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, entity.NewNotFound(id)
	}
	if err != nil {
		return entity.Entity{}, fmt.Errorf("fetch %d: %w", id, t.s.dialect.classify(err))
	}
	return e, nil
}

// Save implements store.Tx.
func (t *Tx) Save(ctx context.Context, e entity.Entity) error {
	if err := t.check(true); err != nil {
		return err
	}
	var partner sql.NullInt64
	if e.PartnerID != nil {
		partner = sql.NullInt64{Int64: int64(*e.PartnerID), Valid: true}
	}
	res, err := t.exec(ctx, "UPDATE entities SET name = ?, partner_id = ? WHERE id = ?", e.Name, partner, int64(e.ID))
	if err != nil {
		return fmt.Errorf("save %d: %w", e.ID, err)
	}
	return requireRow(res, e.ID)
}

// Delete implements store.Tx.
func (t *Tx) Delete(ctx context.Context, id entity.ID) error {
	if err := t.check(true); err != nil {
		return err
	}
	res, err := t.exec(ctx, "DELETE FROM entities WHERE id = ?", int64(id))
	if err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	return requireRow(res, id)
}

// Query implements store.Tx.
func (t *Tx) Query(ctx context.Context, q store.Query, mode entity.LockMode) ([]entity.Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := t.check(false); err != nil {
		return nil, err
	}

	var (
		where string
		args  []any
	)
	switch q.Kind {
	case store.QueryByID:
		where, args = " WHERE id = ?", []any{int64(q.ID)}
	case store.QueryNamePrefix:
		// LIKE is case-insensitive in SQLite, so compare the prefix directly.
		where = " WHERE substr(name, 1, length(CAST(? AS TEXT))) = CAST(? AS TEXT)"
		args = []any{q.Prefix, q.Prefix}
	}
	stmt := t.s.dialect.rebind(selectColumns + where + " ORDER BY id" + t.s.dialect.lockSuffix[mode])

	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q, t.s.dialect.classify(err))
	}
	defer rows.Close()

	out := []entity.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q, t.s.dialect.classify(err))
	}
	return out, nil
}

// Commit implements store.Tx.
func (t *Tx) Commit() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return t.s.dialect.classify(err)
	}
	return nil
}

// Rollback implements store.Tx.
func (t *Tx) Rollback() error {
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.s.dialect.classify(err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (entity.Entity, error) {
	var (
		id      int64
		name    string
		partner sql.NullInt64
	)
	if err := row.Scan(&id, &name, &partner); err != nil {
		return entity.Entity{}, err
	}
	e := entity.Entity{ID: entity.ID(id), Name: name}
	if partner.Valid {
		e.PartnerID = entity.PartnerOf(entity.ID(partner.Int64))
	}
	return e, nil
}

func requireRow(res sql.Result, id entity.ID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return entity.NewNotFound(id)
	}
	return nil
}
