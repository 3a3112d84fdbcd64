package server

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/picnic-hub/picnic-worker/internal/config"
	"github.com/picnic-hub/picnic-worker/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，安装预取与 fetch 回源都复用它。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: defaultTransport.Clone(), agent: version.UserAgent()},
	}
}

// userAgentTransport 为未携带 User-Agent 的请求补上默认值，已有的值保持不变。
type userAgentTransport struct {
	base  *http.Transport
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(clone)
}

// WithProxy 返回经指定出站代理转发的副本，供 Worker 级 Proxy 配置使用。
func (t *userAgentTransport) WithProxy(proxyURL *url.URL) http.RoundTripper {
	base := t.base.Clone()
	base.Proxy = http.ProxyURL(proxyURL)
	return &userAgentTransport{base: base, agent: t.agent}
}
