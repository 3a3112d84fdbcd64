package worker

import (
	"net/http"
	"net/url"
)

// Network 是 Worker 访问源站的唯一出口，*http.Client 天然满足该接口。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(*http.Request) (*http.Response, error)

// Do makes NetworkFunc satisfy Network.
func (f NetworkFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// HTTPNetwork 复用共享 http.Client，可选地通过 Worker 级出站代理访问源站。
type HTTPNetwork struct {
	client   *http.Client
	proxyURL *url.URL
}

// NewHTTPNetwork 构造网络出口；proxyURL 为空时直接使用 client。
func NewHTTPNetwork(client *http.Client, proxyURL *url.URL) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	n := &HTTPNetwork{client: client, proxyURL: proxyURL}
	if proxyURL != nil {
		n.client = withProxy(client, proxyURL)
	}
	return n
}

func (n *HTTPNetwork) Do(req *http.Request) (*http.Response, error) {
	return n.client.Do(req)
}

// proxySetter 由包装型 RoundTripper 实现，切换代理时保留其附加行为。
type proxySetter interface {
	WithProxy(*url.URL) http.RoundTripper
}

func withProxy(base *http.Client, proxyURL *url.URL) *http.Client {
	client := *base
	switch t := base.Transport.(type) {
	case proxySetter:
		client.Transport = t.WithProxy(proxyURL)
	case *http.Transport:
		transport := t.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		client.Transport = transport
	default:
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return &client
}
