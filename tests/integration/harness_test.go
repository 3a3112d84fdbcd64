package integration

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/cache"
	"github.com/picnic-hub/picnic-worker/internal/config"
	"github.com/picnic-hub/picnic-worker/internal/proxy"
	"github.com/picnic-hub/picnic-worker/internal/server"
	"github.com/picnic-hub/picnic-worker/internal/server/routes"
	"github.com/picnic-hub/picnic-worker/internal/worker"
)

const picnicHost = "picnic.local"

// harness 组装与 main 相同的启动链路：Storage → WorkerRegistry → Fiber app + 诊断路由。
type harness struct {
	app      *fiber.App
	registry *server.WorkerRegistry
	storage  cache.Storage
	dir      string
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, driver string, workers ...config.WorkerConfig) *harness {
	t.Helper()

	storageDir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     storageDir,
			StorageDriver:   driver,
			UpstreamTimeout: config.Duration(5 * time.Second),
			InstallTimeout:  config.Duration(5 * time.Second),
		},
		Workers: workers,
	}

	storage, err := cache.NewStorage(driver, storageDir)
	if err != nil {
		t.Fatalf("storage init failed: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	logs := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	registry, err := server.NewWorkerRegistry(cfg, storage, server.NewUpstreamClient(cfg), logger)
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app init failed: %v", err)
	}
	routes.RegisterWorkerRoutes(app, registry, cfg.Global.InstallTimeout.DurationValue())

	return &harness{app: app, registry: registry, storage: storage, dir: storageDir, logs: logs}
}

func picnicWorker(scope string) config.WorkerConfig {
	return config.WorkerConfig{
		Name:      "picnic",
		Domain:    picnicHost,
		Scope:     scope,
		CacheName: worker.DefaultCacheName,
		Assets:    worker.DefaultAssets(),
	}
}

// forEachDriver 让同一场景分别在磁盘与 sqlite 存储上运行。
func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, driver := range []string{cache.DriverFS, cache.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			fn(t, driver)
		})
	}
}

func (h *harness) do(t *testing.T, method, host, target string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, body)
	req.Host = host
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("request %s %s%s failed: %v", method, host, target, err)
	}
	return resp
}

func (h *harness) install(t *testing.T, name string) *http.Response {
	t.Helper()
	return h.do(t, http.MethodPost, "admin.local", "/-/workers/"+name+"/install", nil)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return string(body)
}
