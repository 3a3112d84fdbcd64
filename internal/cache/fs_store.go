package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix   = ".body"
	metaSuffix   = ".json"
	backupSuffix = ".old"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，磁盘布局为：
//
//	<StoragePath>/<bucket>/<sha1(key)>.body   # 正文
//	<StoragePath>/<bucket>/<sha1(key)>.json   # 状态码、头部、Key
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		rename:   os.Rename,
	}, nil
}

// fileStorage 通过 entryLock 串行化同一条目的读写，所有 bucket 共享锁表。
type fileStorage struct {
	basePath string
	rename   func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

// entryMeta 是 .json 元数据文件的结构。
type entryMeta struct {
	Key       Key         `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key Key) (*StoredResponse, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	unlock := b.storage.lockEntries(b.name, []StoredResponse{{Key: key}})
	defer unlock()

	bodyPath, metaPath := b.entryPaths(key)
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &StoredResponse{
		Key:      meta.Key,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, entry StoredResponse) error {
	return b.PutAll(ctx, []StoredResponse{entry})
}

// staged 记录一个已写入临时文件、尚未提交的条目；提交时旧文件先移到隐藏的备份路径。
type staged struct {
	bodyTemp, bodyPath string
	metaTemp, metaPath string

	bodyBackup, metaBackup bool
	bodyMoved, metaMoved   bool
}

// PutAll 先把所有条目写入临时文件，全部成功后才逐个提交。
// 提交阶段任一 rename 失败时，已提交的条目恢复为旧文件，bucket 回到调用前的内容。
func (b *fileBucket) PutAll(ctx context.Context, entries []StoredResponse) error {
	if len(entries) == 0 {
		return nil
	}

	unlock := b.storage.lockEntries(b.name, entries)
	defer unlock()

	var pending []*staged
	cleanup := func() {
		for _, item := range pending {
			os.Remove(item.bodyTemp)
			os.Remove(item.metaTemp)
		}
	}

	for _, entry := range entries {
		item, err := b.stage(ctx, entry)
		if err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", entry.Key, err)
		}
		pending = append(pending, item)
	}

	for i, item := range pending {
		if err := b.commit(item); err != nil {
			for j := i; j >= 0; j-- {
				b.restore(pending[j])
			}
			cleanup()
			return fmt.Errorf("commit %s: %w", filepath.Base(item.bodyPath), err)
		}
	}
	for _, item := range pending {
		if item.bodyBackup {
			os.Remove(backupPath(item.bodyPath))
		}
		if item.metaBackup {
			os.Remove(backupPath(item.metaPath))
		}
	}
	return nil
}

func (b *fileBucket) commit(item *staged) error {
	rename := b.storage.rename
	backup := func(p string) (bool, error) {
		if err := rename(p, backupPath(p)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	var err error
	if item.metaBackup, err = backup(item.metaPath); err != nil {
		return err
	}
	if item.bodyBackup, err = backup(item.bodyPath); err != nil {
		return err
	}
	if err := rename(item.bodyTemp, item.bodyPath); err != nil {
		return err
	}
	item.bodyMoved = true
	if err := rename(item.metaTemp, item.metaPath); err != nil {
		return err
	}
	item.metaMoved = true
	return nil
}

// restore 撤销 commit 已完成的步骤。
func (b *fileBucket) restore(item *staged) {
	if item.metaMoved {
		os.Remove(item.metaPath)
	}
	if item.bodyMoved {
		os.Remove(item.bodyPath)
	}
	if item.bodyBackup {
		os.Rename(backupPath(item.bodyPath), item.bodyPath)
	}
	if item.metaBackup {
		os.Rename(backupPath(item.metaPath), item.metaPath)
	}
}

func backupPath(p string) string {
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+backupSuffix)
}

func (b *fileBucket) stage(ctx context.Context, entry StoredResponse) (*staged, error) {
	bodyPath, metaPath := b.entryPaths(entry.Key)

	bodyTemp, err := writeTemp(ctx, b.dir, bytes.NewReader(entry.Body))
	if err != nil {
		return nil, err
	}

	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		Key:       entry.Key,
		Status:    entry.Status,
		Header:    entry.Header,
		SizeBytes: entry.SizeBytes(),
		StoredAt:  storedAt,
	})
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}
	metaTemp, err := writeTemp(ctx, b.dir, bytes.NewReader(meta))
	if err != nil {
		os.Remove(bodyTemp)
		return nil, err
	}

	return &staged{
		bodyTemp: bodyTemp,
		bodyPath: bodyPath,
		metaTemp: metaTemp,
		metaPath: metaPath,
	}, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var keys []Key
	for _, item := range items {
		name := item.Name()
		if item.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(b.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (b *fileBucket) Delete(ctx context.Context, key Key) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	unlock := b.storage.lockEntries(b.name, []StoredResponse{{Key: key}})
	defer unlock()

	bodyPath, metaPath := b.entryPaths(key)
	for _, p := range []string{metaPath, bodyPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (b *fileBucket) entryPaths(key Key) (string, string) {
	sum := sha1.Sum([]byte(key.String()))
	base := filepath.Join(b.dir, hex.EncodeToString(sum[:]))
	return base + bodySuffix, base + metaSuffix
}

// lockEntries 按排序后的顺序获取条目锁，避免并发 PutAll 之间死锁。
func (s *fileStorage) lockEntries(bucket string, entries []StoredResponse) func() {
	keys := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		k := bucket + "::" + entry.Key.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, s.lockEntry(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func readMeta(metaPath string) (entryMeta, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode %s: %w", filepath.Base(metaPath), err)
	}
	return meta, nil
}

func writeTemp(ctx context.Context, dir string, body io.Reader) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := checkContext(ctx); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
}
