package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT PRIMARY KEY,
	created_at INTEGER
);
CREATE TABLE IF NOT EXISTS entries (
	bucket TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header BLOB,
	body BLOB,
	stored_at INTEGER,
	PRIMARY KEY (bucket, method, url)
);`

// NewSQLiteStorage 打开（或创建）filename 指向的数据库，空文件名使用共享内存库。
func NewSQLiteStorage(filename string) (Storage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &sqliteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// sqliteStorage 串行化写事务，读请求直接并发访问连接池。
type sqliteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteBucket struct {
	storage *sqliteStorage
	name    string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &sqliteBucket{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM buckets WHERE name = ?", name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key Key) (*StoredResponse, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := b.storage.db.QueryRowContext(ctx,
		"SELECT status, header, body, stored_at FROM entries WHERE bucket = ? AND method = ? AND url = ?",
		b.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	decoded := http.Header{}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &decoded); err != nil {
			return nil, fmt.Errorf("decode header for %s: %w", key, err)
		}
	}
	if body == nil {
		body = []byte{}
	}
	return &StoredResponse{
		Key:      key,
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, entry StoredResponse) error {
	return b.PutAll(ctx, []StoredResponse{entry})
}

// PutAll 在单个事务中写入全部条目。
func (b *sqliteBucket) PutAll(ctx context.Context, entries []StoredResponse) error {
	if len(entries) == 0 {
		return nil
	}
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()

	tx, err := b.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		header, err := json.Marshal(entry.Header)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encode header for %s: %w", entry.Key, err)
		}
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries
			(bucket, method, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			b.name, entry.Key.Method, entry.Key.URL, entry.Status, header, entry.Body, storedAt.UnixNano())
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("store %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.storage.db.QueryContext(ctx,
		"SELECT method, url FROM entries WHERE bucket = ? ORDER BY url ASC, method ASC", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *sqliteBucket) Delete(ctx context.Context, key Key) error {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	_, err := b.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE bucket = ? AND method = ? AND url = ?", b.name, key.Method, key.URL)
	return err
}
