package postgresql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver
	"github.com/misswatch/misswatch/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	maxIdleConnsDefault = 5
	maxOpenConnsDefault = 20
)

// PostgreSQL implements both the write and the read side of the store. The
// API layer opens its own instance with a read-only intent so query load
// never contends with the writer's pool.
type PostgreSQL struct {
	db  *sql.DB
	now func() time.Time
}

func WithNow(nowFunc func() time.Time) func(*PostgreSQL) {
	return func(p *PostgreSQL) {
		p.now = nowFunc
	}
}

func New(dbInfo string, idleConns int, maxOpenConns int, opts ...func(*PostgreSQL)) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dbInfo)
	if err != nil {
		return nil, errors.Join(store.ErrFailedToOpenDB, err)
	}
	if idleConns <= 0 {
		idleConns = maxIdleConnsDefault
	}
	if maxOpenConns <= 0 {
		maxOpenConns = maxOpenConnsDefault
	}
	db.SetMaxIdleConns(idleConns)
	db.SetMaxOpenConns(maxOpenConns)

	p := &PostgreSQL{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Migrate brings the schema up to date.
func (p *PostgreSQL) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Join(store.ErrFailedToMigrate, err)
	}
	driver, err := migratepostgres.WithInstance(p.db, &migratepostgres.Config{})
	if err != nil {
		return errors.Join(store.ErrFailedToMigrate, err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return errors.Join(store.ErrFailedToMigrate, err)
	}
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Join(store.ErrFailedToMigrate, err)
	}
	return nil
}

// Truncate drops all data from the three tables.
func (p *PostgreSQL) Truncate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `TRUNCATE full_miss, "transaction", beacon_block`)
	if err != nil {
		return errors.Join(store.ErrFailedToTruncate, err)
	}
	return nil
}

func (p *PostgreSQL) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
