package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// dialect 存放 MySQL（authority）与 SQLite（客户端缓存）之间不同的语句
type dialect struct {
	name        string
	schema      []string
	upsert      string
	isDuplicate func(error) bool
}

var dialects = map[string]dialect{
	"mysql": {
		name: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS revisions (
				document_id VARCHAR(128) NOT NULL,
				revision_id BIGINT NOT NULL,
				payload LONGBLOB NOT NULL,
				PRIMARY KEY (document_id, revision_id)
			)`,
			`CREATE TABLE IF NOT EXISTS revision_snapshots (
				document_id VARCHAR(128) NOT NULL PRIMARY KEY,
				revision_id BIGINT NOT NULL,
				payload LONGBLOB NOT NULL
			)`,
		},
		upsert: `INSERT INTO revisions (document_id, revision_id, payload) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE payload = VALUES(payload)`,
		isDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
	"sqlite3": {
		name: "sqlite3",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS revisions (
				document_id TEXT NOT NULL,
				revision_id INTEGER NOT NULL,
				payload BLOB NOT NULL,
				PRIMARY KEY (document_id, revision_id)
			)`,
			`CREATE TABLE IF NOT EXISTS revision_snapshots (
				document_id TEXT NOT NULL PRIMARY KEY,
				revision_id INTEGER NOT NULL,
				payload BLOB NOT NULL
			)`,
		},
		upsert: `INSERT INTO revisions (document_id, revision_id, payload) VALUES (?, ?, ?)
			ON CONFLICT(document_id, revision_id) DO UPDATE SET payload = excluded.payload`,
		isDuplicate: func(err error) bool {
			var liteErr sqlite3.Error
			return errors.As(err, &liteErr) && liteErr.Code == sqlite3.ErrConstraint
		},
	},
}

// SQLLog 把修订存在关系数据库里
type SQLLog struct {
	db *sql.DB
	d  dialect
}

// NewSQLLog 包装已打开的数据库，driver 为 "mysql" 或 "sqlite3"
func NewSQLLog(db *sql.DB, driver string) (*SQLLog, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	return &SQLLog{db: db, d: d}, nil
}

// OpenSQLLog 打开数据库并建表
func OpenSQLLog(ctx context.Context, driver, dsn string) (*SQLLog, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite 只允许单写者
		db.SetMaxOpenConns(1)
	}
	l, err := NewSQLLog(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLog) Migrate(ctx context.Context) error {
	for _, stmt := range l.d.schema {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", l.d.name, err)
		}
	}
	return nil
}

func (l *SQLLog) DB() *sql.DB { return l.db }

func (l *SQLLog) Close() error { return l.db.Close() }

func (l *SQLLog) Put(ctx context.Context, docID string, revID int64, data []byte) error {
	_, err := l.db.ExecContext(ctx, l.d.upsert, docID, revID, data)
	if err != nil {
		return fmt.Errorf("put doc %s rev %d: %w", docID, revID, err)
	}
	return nil
}

func (l *SQLLog) GetRange(ctx context.Context, docID string, lo, hi int64) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT revision_id, payload FROM revisions
		WHERE document_id = ? AND revision_id >= ? AND revision_id <= ?
		ORDER BY revision_id`,
		docID, lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("get range doc %s [%d,%d]: %w", docID, lo, hi, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RevisionID, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLLog) DeleteRange(ctx context.Context, docID string, lo, hi int64) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM revisions WHERE document_id = ? AND revision_id >= ? AND revision_id <= ?`,
		docID, lo, hi,
	)
	if err != nil {
		return fmt.Errorf("delete range doc %s [%d,%d]: %w", docID, lo, hi, err)
	}
	return nil
}

func (l *SQLLog) PutSnapshot(ctx context.Context, docID string, revID int64, data []byte) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO revision_snapshots (document_id, revision_id, payload) VALUES (?, ?, ?)`,
		docID, revID, data,
	)
	if err == nil {
		return nil
	}
	if !l.d.isDuplicate(err) {
		return fmt.Errorf("put snapshot doc %s rev %d: %w", docID, revID, err)
	}
	// 已有快照：覆盖为更新的那一份
	_, err = l.db.ExecContext(ctx,
		`UPDATE revision_snapshots SET revision_id = ?, payload = ? WHERE document_id = ?`,
		revID, data, docID,
	)
	if err != nil {
		return fmt.Errorf("replace snapshot doc %s rev %d: %w", docID, revID, err)
	}
	return nil
}

func (l *SQLLog) GetSnapshot(ctx context.Context, docID string) (int64, []byte, error) {
	var (
		revID int64
		data  []byte
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT revision_id, payload FROM revision_snapshots WHERE document_id = ?`,
		docID,
	).Scan(&revID, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("get snapshot doc %s: %w", docID, err)
	}
	return revID, data, nil
}
