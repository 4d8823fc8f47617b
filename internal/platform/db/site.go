package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var siteIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SiteSchema returns the result schema of one data partner site.
func SiteSchema(siteID string) (string, error) {
	if !siteIDPattern.MatchString(siteID) {
		return "", fmt.Errorf("invalid site identifier: %q", siteID)
	}
	return "site_" + siteID, nil
}

// CreateSiteSchema creates the result schema of a site and, when
// migrations is non-nil, applies them so the schema carries its own run
// ledger.
func CreateSiteSchema(ctx context.Context, pool *pgxpool.Pool, siteID string, migrations fs.FS) (string, error) {
	schema, err := SiteSchema(siteID)
	if err != nil {
		return "", err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return "", fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return "", fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return schema, nil
}
