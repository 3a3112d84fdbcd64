package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/cache"
	"github.com/picnic-hub/picnic-worker/internal/config"
	"github.com/picnic-hub/picnic-worker/internal/worker"
)

// WorkerRoute 将 Worker 配置与派生属性（解析后的 Scope/Proxy URL、Worker 实例）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type WorkerRoute struct {
	// Config 是用户在 config.toml 中声明的 Worker 字段副本。
	Config config.WorkerConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	ScopeURL   *url.URL
	ProxyURL   *url.URL
	Worker     *worker.Worker
}

// WorkerRegistry 提供 Host/Host:port 到 WorkerRoute 的查询能力，所有 Worker 共享同一个监听端口。
type WorkerRegistry struct {
	routes  map[string]*WorkerRoute
	byName  map[string]*WorkerRoute
	ordered []*WorkerRoute
	logger  *logrus.Logger
}

// NewWorkerRegistry 根据配置为每个 [[Worker]] 构造 Worker 实例；所有 Worker 共享同一个 Storage 与 http.Client。
func NewWorkerRegistry(cfg *config.Config, storage cache.Storage, client *http.Client, logger *logrus.Logger) (*WorkerRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	registry := &WorkerRegistry{
		routes: make(map[string]*WorkerRoute, len(cfg.Workers)),
		byName: make(map[string]*WorkerRoute, len(cfg.Workers)),
		logger: logger,
	}

	for _, wc := range cfg.Workers {
		normalizedHost := normalizeDomain(wc.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for worker %s", wc.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[wc.Name]; exists {
			return nil, fmt.Errorf("duplicate worker name %s", wc.Name)
		}

		route, err := buildWorkerRoute(cfg, wc, storage, client, logger)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[wc.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 WorkerRoute。
func (r *WorkerRegistry) Lookup(host string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 按配置中的 Name 查找 WorkerRoute，诊断接口使用。
func (r *WorkerRegistry) LookupName(name string) (*WorkerRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 WorkerRoute（按配置定义的顺序）。
func (r *WorkerRegistry) List() []*WorkerRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*WorkerRoute(nil), r.ordered...)
}

// InstallAll 依次安装全部 Worker。单个 Worker 失败不会阻止其他 Worker 安装，
// 首次安装失败的 Worker 进入 redundant 并对请求直接回源，已安装的保留原缓存；返回值汇总所有失败。
func (r *WorkerRegistry) InstallAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, route := range r.ordered {
		if err := route.Worker.Install(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func buildWorkerRoute(cfg *config.Config, wc config.WorkerConfig, storage cache.Storage, client *http.Client, logger *logrus.Logger) (*WorkerRoute, error) {
	scopeURL, err := url.Parse(wc.Scope)
	if err != nil {
		return nil, fmt.Errorf("invalid scope for worker %s: %w", wc.Name, err)
	}

	var proxyURL *url.URL
	if wc.Proxy != "" {
		proxyURL, err = url.Parse(wc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for worker %s: %w", wc.Name, err)
		}
	}

	w, err := worker.New(worker.Options{
		Name:      wc.Name,
		CacheName: wc.CacheName,
		Scope:     scopeURL,
		Assets:    wc.Assets,
		Storage:   storage,
		Network:   worker.NewHTTPNetwork(client, proxyURL),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &WorkerRoute{
		Config:     wc,
		ListenPort: cfg.Global.ListenPort,
		ScopeURL:   scopeURL,
		ProxyURL:   proxyURL,
		Worker:     w,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
