package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/errs"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// ListRowsContext returns every row in insertion order.
func (db *DB) ListRowsContext(ctx context.Context) ([]schema.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, fields FROM sheet_rows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec, err := decodeRow(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

// InsertRowContext appends a row and returns it with its new id.
func (db *DB) InsertRowContext(ctx context.Context, fields schema.Fields) (schema.Record, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to marshal fields: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var id int64
	query := db.rebind(`INSERT INTO sheet_rows (fields, created_at, updated_at) VALUES (?, ?, ?) RETURNING id`)
	if err := db.conn.QueryRowContext(ctx, query, string(raw), now, now).Scan(&id); err != nil {
		return schema.Record{}, fmt.Errorf("failed to insert row: %w", err)
	}
	return schema.Record{ID: strconv.FormatInt(id, 10), Fields: fields.Clone()}, nil
}

// UpdateRowContext merges fields into row id and returns the full row.
// It returns an error matching errs.ErrNotFound for an unknown id.
func (db *DB) UpdateRowContext(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	rowID, err := parseRowID(id)
	if err != nil {
		return schema.Record{}, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, db.rebind(`SELECT fields FROM sheet_rows WHERE id = ?`), rowID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Record{}, notFound(id)
	}
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to read row %s: %w", id, err)
	}

	rec, err := decodeRow(rowID, raw)
	if err != nil {
		return schema.Record{}, err
	}
	rec.Fields.Merge(fields)

	merged, err := json.Marshal(rec.Fields)
	if err != nil {
		return schema.Record{}, fmt.Errorf("failed to marshal fields: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE sheet_rows SET fields = ?, updated_at = ? WHERE id = ?`), string(merged), now, rowID); err != nil {
		return schema.Record{}, fmt.Errorf("failed to update row %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return schema.Record{}, fmt.Errorf("failed to commit row %s: %w", id, err)
	}
	return rec, nil
}

// DeleteRowContext removes row id. It returns an error matching
// errs.ErrNotFound for an unknown id.
func (db *DB) DeleteRowContext(ctx context.Context, id string) error {
	rowID, err := parseRowID(id)
	if err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx, db.rebind(`DELETE FROM sheet_rows WHERE id = ?`), rowID)
	if err != nil {
		return fmt.Errorf("failed to delete row %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete row %s: %w", id, err)
	}
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// RowCount returns the number of rows.
func (db *DB) RowCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sheet_rows`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

func decodeRow(id int64, raw string) (schema.Record, error) {
	var fields schema.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return schema.Record{}, fmt.Errorf("failed to decode row %d: %w", id, err)
	}
	return schema.Record{ID: strconv.FormatInt(id, 10), Fields: fields}, nil
}

func parseRowID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, notFound(id)
	}
	return n, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", errs.ErrNotFound, id)
}
