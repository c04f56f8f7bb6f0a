package rowstore

import (
	"context"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/db"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// SQLBackend stores rows in SQLite or PostgreSQL.
type SQLBackend struct {
	db *db.DB
}

// NewSQLBackend wraps an initialized database.
func NewSQLBackend(database *db.DB) *SQLBackend {
	return &SQLBackend{db: database}
}

func (b *SQLBackend) List(ctx context.Context) ([]schema.Record, error) {
	return b.db.ListRowsContext(ctx)
}

func (b *SQLBackend) Create(ctx context.Context, fields schema.Fields) (schema.Record, error) {
	return b.db.InsertRowContext(ctx, fields)
}

func (b *SQLBackend) Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error) {
	return b.db.UpdateRowContext(ctx, id, fields)
}

func (b *SQLBackend) Delete(ctx context.Context, id string) error {
	return b.db.DeleteRowContext(ctx, id)
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}
