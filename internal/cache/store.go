package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理所有具名 bucket，进程内只需要一份实例并在 Worker 之间共享。
type Storage interface {
	// Open 返回指定名称的 bucket，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断 bucket 是否已经被创建过，不会产生副作用。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回按名称排序的全部 bucket。
	Names(ctx context.Context) ([]string, error)

	Close() error
}

// Bucket 负责单个具名缓存的读写，磁盘/数据库实现都必须并发安全。
type Bucket interface {
	Name() string

	// Match 按请求身份查找缓存条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*StoredResponse, error)

	// Put 写入单个条目，同 Key 已存在时覆盖。
	Put(ctx context.Context, entry StoredResponse) error

	// PutAll 原子地写入一组条目：要么全部可见，要么全部不可见。
	PutAll(ctx context.Context, entries []StoredResponse) error

	// Keys 返回 bucket 内所有条目的 Key，按 URL + Method 排序。
	Keys(ctx context.Context) ([]Key, error)

	Delete(ctx context.Context, key Key) error
}

// Key 唯一标识一个缓存条目：请求方法 + 绝对 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名，空方法视为 GET。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// StoredResponse 是写入 bucket 的完整响应快照，正文整体缓冲在内存中。
type StoredResponse struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// SizeBytes 返回正文字节数。
func (r StoredResponse) SizeBytes() int64 {
	return int64(len(r.Body))
}

var (
	// ErrNotFound 表示 bucket 中没有匹配的条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucketName 表示 bucket 名称为空或包含路径分隔符。
	ErrInvalidBucketName = errors.New("invalid bucket name")
)

// ValidateBucketName 拒绝空名称以及可能逃逸 StoragePath 的名称。
func ValidateBucketName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBucketName, name)
	}
	return nil
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
