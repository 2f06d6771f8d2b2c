// Package postgres provides direct SQL access to the run's transient
// database instance over its published loopback port.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// Client wraps a small pgx pool bound to one run's database.
type Client struct {
	pool *pgxpool.Pool
}

// DSN builds the loopback connection string for the run's target database.
func DSN(rc *upgrade.RunContext, database string) string {
	return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		url.QueryEscape(rc.Credentials.User),
		url.QueryEscape(rc.Credentials.Password),
		rc.HostPort,
		database,
	)
}

// Connect opens and pings a pool for the given DSN.
func Connect(ctx context.Context, dsn string) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.pool.Close()
}

// ScalarFirst runs the queries in order and returns the first non-empty
// scalar any of them produces. Query errors fall through to the next
// candidate; found reports whether any value was read.
func (c *Client) ScalarFirst(ctx context.Context, queries ...string) (string, bool) {
	for _, query := range queries {
		var value *string
		if err := c.pool.QueryRow(ctx, query).Scan(&value); err != nil {
			continue
		}
		if value == nil {
			continue
		}
		if v := strings.TrimSpace(*value); v != "" {
			return v, true
		}
	}
	return "", false
}

// Module is one installed module row from the database's module registry.
type Module struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// InstalledModules lists the installed modules recorded in the database.
func (c *Client) InstalledModules(ctx context.Context) ([]Module, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT name, COALESCE(latest_version, ''), state
		   FROM ir_module_module
		  WHERE state = 'installed'
		  ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query installed modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		var m Module
		if err := rows.Scan(&m.Name, &m.Version, &m.State); err != nil {
			return nil, fmt.Errorf("scan module row: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read module rows: %w", err)
	}
	return modules, nil
}
