// Package rowstore talks to the remote row store: the REST-like service
// holding the sheet rows.
//
// HTTPClient is the client the sync engine uses. Server is a complete
// implementation of the same API over a pluggable Backend, used for local
// development, tests and load tests.
package rowstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/db"
	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// RowStore is the request/response API of the remote row store.
type RowStore interface {
	// List returns every record.
	List(ctx context.Context) ([]schema.Record, error)

	// Create appends a record built from fields and returns it with its id.
	Create(ctx context.Context, fields schema.Fields) (schema.Record, error)

	// Update merges partial fields into record id and returns the result.
	// Fails with errs.ErrNotFound for an unknown id and errs.ErrRateLimited
	// when throttled.
	Update(ctx context.Context, id string, fields schema.Fields) (schema.Record, error)

	// Delete removes record id.
	Delete(ctx context.Context, id string) error
}

// Backend stores rows for Server. Update and Delete return an error matching
// errs.ErrNotFound for an unknown id.
type Backend interface {
	RowStore
	Close() error
}

// OpenBackend builds a backend from a DSN:
//
//	memory://            in-process, lost on exit
//	sqlite:/path/to.db   embedded SQLite file
//	postgres://...       PostgreSQL
func OpenBackend(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}

	scheme := ""
	if i := strings.Index(dsn, ":"); i > 0 {
		scheme = strings.ToLower(dsn[:i])
	}
	switch scheme {
	case "memory", "mem":
		return NewMemoryBackend(), nil
	case "sqlite", "postgres", "postgresql":
		if scheme != "sqlite" {
			if _, err := url.Parse(dsn); err != nil {
				return nil, fmt.Errorf("invalid dsn: %w", err)
			}
		}
		database, err := db.Open(dsn)
		if err != nil {
			return nil, err
		}
		if err := database.InitSchema(); err != nil {
			_ = database.Close()
			return nil, err
		}
		return NewSQLBackend(database), nil
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %q", scheme)
	}
}
