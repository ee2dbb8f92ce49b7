// an sqlite3 backed secret manager
package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SqliteManager struct {
	db        *sql.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

func NewSQLiteManager(dbPath string, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	manager := &SqliteManager{
		db:        db,
		tableName: "secrets",
	}

	for _, o := range opts {
		o(manager)
	}

	if err := manager.init(); err != nil {
		return nil, err
	}

	return manager, nil
}

// Stop closes the underlying database handle.
func (s *SqliteManager) Stop() {
	s.db.Close()
}

// creates a table and sets up the schema, migrations if any can go here
func (s *SqliteManager) init() error {
	createTable :=
		`create table if not exists ` + s.tableName + `(
			id integer primary key autoincrement,
			workflow text not null,
			key text not null,
			value text not null,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique(workflow, key)
		);`
	_, err := s.db.Exec(createTable)
	return err
}

func (s *SqliteManager) Add(ctx context.Context, secret Secret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		insert or ignore into %s (workflow, key, value)
		values (?, ?, ?);
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, secret.Workflow, secret.Key, secret.Value)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if num == 0 {
		return ErrKeyAlreadyPresent
	}

	return nil
}

func (s *SqliteManager) Remove(ctx context.Context, wf, key string) error {
	query := fmt.Sprintf(`
		delete from %s where workflow = ? and key = ?;
	`, s.tableName)

	res, err := s.db.ExecContext(ctx, query, wf, key)
	if err != nil {
		return err
	}

	num, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if num == 0 {
		return ErrKeyNotFound
	}

	return nil
}

func (s *SqliteManager) List(ctx context.Context, wf string) ([]Secret, error) {
	query := fmt.Sprintf(`
		select workflow, key, created_at from %s where workflow = ?;
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, wf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ls []Secret
	for rows.Next() {
		var l Secret
		var createdAt string
		if err = rows.Scan(&l.Workflow, &l.Key, &createdAt); err != nil {
			return nil, err
		}

		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			l.CreatedAt = t
		}

		ls = append(ls, l)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return ls, nil
}

func (s *SqliteManager) Env(ctx context.Context, wf string) (map[string]string, error) {
	query := fmt.Sprintf(`
		select key, value from %s where workflow = ?;
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, wf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	env := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		env[k] = v
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return env, nil
}
