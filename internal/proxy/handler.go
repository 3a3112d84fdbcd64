package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/logging"
	"github.com/picnic-hub/picnic-worker/internal/server"
	"github.com/picnic-hub/picnic-worker/internal/worker"
)

// Handler 把 Fiber 请求转换为 fetch 事件交给 Worker，再把 Worker 给出的响应原样写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 执行一次 fetch：命中 bucket 时直接返回缓存响应，否则由 Worker 回源一次；
// 网络失败时返回 502，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.WorkerRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := buildWorkerRequest(ctx, c, route)
	if err != nil {
		h.logResult(route, "", requestID, 0, false, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	target := req.URL.String()

	result, err := route.Worker.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, target, requestID, 0, false, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp := result.Response
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Picnic-Cache-Hit", strconv.FormatBool(result.CacheHit))
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		h.logResult(route, target, requestID, resp.StatusCode, result.CacheHit, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, target, requestID, resp.StatusCode, result.CacheHit, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildWorkerRequest 以 scope 为基准还原客户端请求：方法、路径、query、正文与可透传头部。
func buildWorkerRequest(ctx context.Context, c fiber.Ctx, route *server.WorkerRoute) (*http.Request, error) {
	uri := c.Request().URI()
	target := route.Worker.Resolve(string(uri.Path()), string(uri.QueryString()))

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	worker.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

// bytesReader 复制请求正文，fasthttp 会在请求结束后复用底层缓冲区。
func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(bytes.Clone(b))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传响应头；Content-Length 由 fasthttp 根据实际写出的正文计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if worker.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.WorkerRoute,
	target string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Worker.CacheName(),
		string(route.Worker.State()),
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["url"] = target
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
