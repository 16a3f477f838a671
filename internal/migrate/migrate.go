// Package migrate applies the embedded goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/medconsent/migrations"
)

// withProvider opens a short-lived database/sql handle for goose.
func withProvider(ctx context.Context, dsn string, fn func(*goose.Provider) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	return fn(p)
}

// Up applies every pending migration and returns how many ran.
func Up(ctx context.Context, dsn string) (int, error) {
	var applied int
	err := withProvider(ctx, dsn, func(p *goose.Provider) error {
		res, err := p.Up(ctx)
		applied = len(res)
		return err
	})
	return applied, err
}

// Version reports the current schema version.
func Version(ctx context.Context, dsn string) (int64, error) {
	var v int64
	err := withProvider(ctx, dsn, func(p *goose.Provider) error {
		var err error
		v, err = p.GetDBVersion(ctx)
		return err
	})
	return v, err
}
