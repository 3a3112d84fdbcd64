package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/logging"
	"github.com/picnic-hub/picnic-worker/internal/server"
)

// Forwarder 包装实际的 ProxyHandler：缺少 handler 或 handler panic 时返回结构化 500，并记录带请求 ID 的日志。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.WorkerRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		f.logWorkerError(route, "worker_handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "worker_handler_missing"})
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.WorkerRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.WorkerRoute, recovered interface{}, requestID string) error {
	f.logWorkerError(route, "worker_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "worker_handler_panic"})
}

func (f *Forwarder) logWorkerError(route *server.WorkerRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route)
	fields["action"] = "proxy"
	fields["error"] = code
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("worker handler unavailable")
}

func routeFields(route *server.WorkerRoute) logrus.Fields {
	if route == nil || route.Worker == nil {
		return logrus.Fields{"worker": "", "domain": "", "cache_hit": false}
	}
	return logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Worker.CacheName(),
		string(route.Worker.State()),
		false,
	)
}
