package kv

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/limbo/moodlog/pkg/cleanup"
)

// PostgresStore implements Store on a Postgres table. It exists for running
// moodlogd against shared server-side storage instead of a local file.

type DBConfig interface {
	ConnString() string
}

type PgConnection interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGCfg struct {
	Address  string
	Username string
	Password string
	DB       string
}

func (pgcfg *PGCfg) ConnString() string {
	return fmt.Sprintf("postgresql://%s:%s@%s/%s", pgcfg.Username, pgcfg.Password, pgcfg.Address, pgcfg.DB)
}

type PostgresStore struct {
	conn PgConnection
}

func NewPostgresStore(cfg DBConfig) *PostgresStore {
	pool, err := pgxpool.New(context.Background(), cfg.ConnString())
	if err != nil {
		log.Fatal("creating connection for kv store error: " + err.Error())
	}
	if err = pool.Ping(context.Background()); err != nil {
		log.Fatal("error while pinging connection for kv store: " + err.Error())
	}
	_, err = pool.Exec(context.Background(),
		`CREATE TABLE IF NOT EXISTS moodlog_kv (key TEXT PRIMARY KEY, value TEXT NOT NULL);`)
	if err != nil {
		log.Fatal("creating kv schema error: " + err.Error())
	}
	cleanup.Register(&cleanup.Job{
		Name: "closing pgxpool",
		F: func() error {
			pool.Close()
			return nil
		},
	})
	return &PostgresStore{
		conn: pool,
	}
}

func NewPostgresStoreWithConn(conn PgConnection) *PostgresStore {
	if err := conn.Ping(context.Background()); err != nil {
		log.Fatal("error while pinging connection for kv store: " + err.Error())
	}
	return &PostgresStore{
		conn: conn,
	}
}

func (ps *PostgresStore) GetItem(ctx context.Context, key string) (string, error) {
	var value string
	row := ps.conn.QueryRow(ctx, `SELECT value FROM moodlog_kv WHERE key = $1;`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrKeyNotFound
		}
		return "", errors.New("getting value by key error: " + err.Error())
	}
	return value, nil
}

func (ps *PostgresStore) SetItem(ctx context.Context, key, value string) error {
	_, err := ps.conn.Exec(ctx,
		`INSERT INTO moodlog_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;`,
		key, value)
	if err != nil {
		return errors.New("setting value db error: " + err.Error())
	}
	return nil
}

func (ps *PostgresStore) RemoveItem(ctx context.Context, key string) error {
	_, err := ps.conn.Exec(ctx, `DELETE FROM moodlog_kv WHERE key = $1;`, key)
	if err != nil {
		return errors.New("removing key db error: " + err.Error())
	}
	return nil
}

func (ps *PostgresStore) MultiGet(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := ps.conn.Query(ctx, `SELECT key, value FROM moodlog_kv WHERE key = ANY($1);`, keys)
	if err != nil {
		return nil, errors.New("multi-getting keys db error: " + err.Error())
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return nil, errors.New("scanning kv row error: " + err.Error())
		}
		out[key] = value
	}
	if rows.Err() != nil {
		return nil, errors.New("unexpected error after scanning: " + rows.Err().Error())
	}
	return out, nil
}

func (ps *PostgresStore) MultiSet(ctx context.Context, pairs map[string]string) error {
	tx, err := ps.conn.Begin(ctx)
	if err != nil {
		return errors.New("beginning multi-set tx error: " + err.Error())
	}
	defer tx.Rollback(ctx)
	for key, value := range pairs {
		_, err = tx.Exec(ctx,
			`INSERT INTO moodlog_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;`,
			key, value)
		if err != nil {
			return errors.New("multi-setting value db error: " + err.Error())
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return errors.New("committing multi-set tx error: " + err.Error())
	}
	return nil
}

func (ps *PostgresStore) MultiRemove(ctx context.Context, keys []string) error {
	_, err := ps.conn.Exec(ctx, `DELETE FROM moodlog_kv WHERE key = ANY($1);`, keys)
	if err != nil {
		return errors.New("multi-removing keys db error: " + err.Error())
	}
	return nil
}

func (ps *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := ps.conn.Query(ctx, `SELECT key FROM moodlog_kv;`)
	if err != nil {
		return nil, errors.New("listing keys db error: " + err.Error())
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, errors.New("scanning key error: " + err.Error())
		}
		keys = append(keys, key)
	}
	if rows.Err() != nil {
		return nil, errors.New("unexpected error after scanning: " + rows.Err().Error())
	}
	return keys, nil
}

func (ps *PostgresStore) Close() error {
	return nil
}
