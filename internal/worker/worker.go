package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/cache"
	"github.com/picnic-hub/picnic-worker/internal/logging"
)

// DefaultCacheName 是默认的 bucket 名称；更换资源版本时由运维手动调整。
const DefaultCacheName = "picnic-v1"

// DefaultAssets 返回安装阶段默认预取的资源列表副本。
func DefaultAssets() []string {
	return []string{"/", "/manifest.json"}
}

// Options 汇总构造 Worker 所需的依赖。
type Options struct {
	Name      string
	CacheName string
	Scope     *url.URL
	Assets    []string
	Storage   cache.Storage
	Network   Network
	Logger    *logrus.Logger
}

// Worker 持有一个具名 bucket 与一份固定资源列表，对外暴露 Install/Fetch 两个入口。
type Worker struct {
	name      string
	cacheName string
	scope     *url.URL
	assets    []string
	storage   cache.Storage
	network   Network
	logger    *logrus.Logger
	now       func() time.Time

	installMu sync.Mutex

	mu          sync.RWMutex
	state       State
	bucket      cache.Bucket
	lastErr     error
	installedAt time.Time
}

// Result 是一次 fetch 的结果，CacheHit 标记响应是否来自 bucket。
type Result struct {
	Response *http.Response
	CacheHit bool
}

// Status 是 Worker 的只读快照，供诊断接口使用。
type Status struct {
	Name        string
	CacheName   string
	Scope       string
	Assets      []string
	State       State
	InstalledAt time.Time
	LastError   string
}

// New 校验依赖并返回处于 parsed 状态的 Worker。
func New(opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("worker name is required")
	}
	if opts.Scope == nil || opts.Scope.Scheme == "" || opts.Scope.Host == "" {
		return nil, fmt.Errorf("worker %s: absolute scope url is required", opts.Name)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("worker %s: cache storage is required", opts.Name)
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("worker %s: network is required", opts.Name)
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("worker %s: logger is required", opts.Name)
	}

	cacheName := opts.CacheName
	if cacheName == "" {
		cacheName = DefaultCacheName
	}
	if err := cache.ValidateBucketName(cacheName); err != nil {
		return nil, fmt.Errorf("worker %s: %w", opts.Name, err)
	}

	assets := append([]string(nil), opts.Assets...)
	if len(assets) == 0 {
		assets = DefaultAssets()
	}

	return &Worker{
		name:      opts.Name,
		cacheName: cacheName,
		scope:     opts.Scope,
		assets:    assets,
		storage:   opts.Storage,
		network:   opts.Network,
		logger:    opts.Logger,
		now:       time.Now,
		state:     StateParsed,
	}, nil
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) CacheName() string {
	return w.cacheName
}

// Assets 返回资源列表副本。
func (w *Worker) Assets() []string {
	return append([]string(nil), w.assets...)
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status 返回当前生命周期快照。
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	status := Status{
		Name:        w.name,
		CacheName:   w.cacheName,
		Scope:       w.scope.String(),
		Assets:      append([]string(nil), w.assets...),
		State:       w.state,
		InstalledAt: w.installedAt,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}

// Resolve 将相对路径（及原始 query）解析为 scope 下的绝对 URL，安装与 fetch 共用同一规则。
func (w *Worker) Resolve(p, rawQuery string) *url.URL {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	rel := &url.URL{Path: p, RawQuery: rawQuery}
	return w.scope.ResolveReference(rel)
}

// Install 打开 bucket 并预取全部资源；任一资源失败则不写入任何条目。
// 首次安装失败时 Worker 进入 redundant；已安装的 Worker 再次安装期间保持 installed 并继续命中缓存，
// 失败时仅记录 lastErr。调用会阻塞到写入完成或失败，重复调用会被串行化。
func (w *Worker) Install(ctx context.Context) error {
	w.installMu.Lock()
	defer w.installMu.Unlock()

	started := w.now()
	w.mu.RLock()
	updating := w.state == StateInstalled
	w.mu.RUnlock()
	if !updating {
		w.transition(StateInstalling, nil, nil)
	}

	bucket, err := w.populate(ctx)
	fields := logging.WorkerFields(w.name, w.cacheName, w.scope.String())
	fields["action"] = "install"
	fields["assets"] = len(w.assets)
	fields["updating"] = updating
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		if updating {
			w.recordFailure(err)
			w.logger.WithFields(fields).Warn("worker_update_failed")
			return err
		}
		w.transition(StateRedundant, nil, err)
		w.logger.WithFields(fields).Error("worker_install_failed")
		return err
	}

	w.transition(StateInstalled, bucket, nil)
	w.logger.WithFields(fields).Info("worker_installed")
	return nil
}

func (w *Worker) populate(ctx context.Context) (cache.Bucket, error) {
	bucket, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", w.cacheName, err)
	}

	entries := make([]cache.StoredResponse, 0, len(w.assets))
	for _, asset := range w.assets {
		entry, err := w.fetchAsset(ctx, asset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := bucket.PutAll(ctx, entries); err != nil {
		return nil, fmt.Errorf("store assets in %s: %w", w.cacheName, err)
	}
	return bucket, nil
}

func (w *Worker) fetchAsset(ctx context.Context, asset string) (cache.StoredResponse, error) {
	parsed, err := url.Parse(asset)
	if err != nil {
		return cache.StoredResponse{}, &InstallError{Asset: asset, URL: asset, Err: err}
	}
	// 资源以已转义形式配置，按解码后的路径解析，与代理层 Resolve 得到的 key 一致。
	target := w.Resolve(parsed.Path, parsed.RawQuery)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.StoredResponse{}, &InstallError{Asset: asset, URL: target.String(), Err: err}
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return cache.StoredResponse{}, &InstallError{Asset: asset, URL: target.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return cache.StoredResponse{}, &InstallError{Asset: asset, URL: target.String(), Status: resp.StatusCode}
	}

	entry, err := cache.Capture(cache.NewKey(http.MethodGet, target.String()), resp, w.now())
	if err != nil {
		return cache.StoredResponse{}, &InstallError{Asset: asset, URL: target.String(), Status: resp.StatusCode, Err: err}
	}
	return entry, nil
}

// Fetch 先在 bucket 中按 Method + URL 查找，命中则原样返回；未命中时把原始请求交给网络一次，
// 结果与错误均原样返回且不会写回缓存。Worker 未完成安装时请求直接走网络。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if ctx != nil {
		req = req.WithContext(ctx)
	} else {
		ctx = req.Context()
	}

	w.mu.RLock()
	state, bucket := w.state, w.bucket
	w.mu.RUnlock()

	if state.Controlling() && bucket != nil {
		key := cache.NewKey(req.Method, req.URL.String())
		stored, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			return &Result{Response: stored.Response(req), CacheHit: true}, nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			fields := logging.WorkerFields(w.name, w.cacheName, w.scope.String())
			fields["action"] = "cache_match"
			fields["url"] = key.URL
			w.logger.WithError(err).WithFields(fields).Warn("cache_match_failed")
		}
	}

	resp, err := w.network.Do(req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// Entries 返回 bucket 当前保存的全部条目；bucket 尚未创建时返回空。
func (w *Worker) Entries(ctx context.Context) ([]cache.StoredResponse, error) {
	exists, err := w.storage.Has(ctx, w.cacheName)
	if err != nil || !exists {
		return nil, err
	}
	bucket, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, err
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]cache.StoredResponse, 0, len(keys))
	for _, key := range keys {
		entry, err := bucket.Match(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// recordFailure 只记录失败原因，保留当前状态与 bucket。
func (w *Worker) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
}

func (w *Worker) transition(state State, bucket cache.Bucket, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	w.lastErr = err
	switch state {
	case StateInstalled:
		w.bucket = bucket
		w.installedAt = w.now().UTC()
	case StateInstalling, StateRedundant:
		w.bucket = nil
	}
}
