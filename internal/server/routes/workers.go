package routes

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/picnic-hub/picnic-worker/internal/cache"
	"github.com/picnic-hub/picnic-worker/internal/server"
	"github.com/picnic-hub/picnic-worker/internal/worker"
)

// RegisterWorkerRoutes 暴露 /-/workers 诊断接口，供运维查看生命周期、bucket 内容并手动重装。
// installTimeout 限制单次手动安装的耗时，<=0 时仅受请求上下文约束。
func RegisterWorkerRoutes(app *fiber.App, registry *server.WorkerRegistry, installTimeout time.Duration) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/workers", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]workerPayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeWorker(route))
		}
		return c.JSON(fiber.Map{"workers": payload})
	})

	app.Get("/-/workers/:name/cache", func(c fiber.Ctx) error {
		route, ok := registry.LookupName(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "worker_not_found"})
		}
		entries, err := route.Worker.Entries(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_read_failed"})
		}
		return c.JSON(fiber.Map{
			"worker":     route.Config.Name,
			"cache_name": route.Worker.CacheName(),
			"entries":    encodeEntries(entries),
		})
	})

	app.Post("/-/workers/:name/install", func(c fiber.Ctx) error {
		route, ok := registry.LookupName(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "worker_not_found"})
		}
		ctx := c.Context()
		if installTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, installTimeout)
			defer cancel()
		}
		if err := route.Worker.Install(ctx); err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":  "install_failed",
				"detail": err.Error(),
				"worker": encodeWorker(route),
			})
		}
		return c.JSON(encodeWorker(route))
	})
}

type workerPayload struct {
	Name        string       `json:"name"`
	Domain      string       `json:"domain"`
	Port        int          `json:"port"`
	Scope       string       `json:"scope"`
	CacheName   string       `json:"cache_name"`
	Assets      []string     `json:"assets"`
	State       worker.State `json:"state"`
	InstalledAt *time.Time   `json:"installed_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

type entryPayload struct {
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Status    int       `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	Size      string    `json:"size"`
	StoredAt  time.Time `json:"stored_at"`
}

func encodeWorker(route *server.WorkerRoute) workerPayload {
	status := route.Worker.Status()
	payload := workerPayload{
		Name:      status.Name,
		Domain:    route.Config.Domain,
		Port:      route.ListenPort,
		Scope:     status.Scope,
		CacheName: status.CacheName,
		Assets:    status.Assets,
		State:     status.State,
		LastError: status.LastError,
	}
	if !status.InstalledAt.IsZero() {
		installedAt := status.InstalledAt
		payload.InstalledAt = &installedAt
	}
	return payload
}

func encodeEntries(entries []cache.StoredResponse) []entryPayload {
	result := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		size := entry.SizeBytes()
		result = append(result, entryPayload{
			Method:    entry.Key.Method,
			URL:       entry.Key.URL,
			Status:    entry.Status,
			SizeBytes: size,
			Size:      humanize.Bytes(uint64(size)),
			StoredAt:  entry.StoredAt.UTC(),
		})
	}
	return result
}
