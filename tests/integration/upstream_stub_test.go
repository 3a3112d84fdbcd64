package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟 picnic 源站（首页、manifest 与若干静态资源），供集成测试复用。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	failures map[string]int
	pageHTML []byte
}

// RecordedRequest 捕获每次请求的方法/路径/Host/Headers，便于断言 Worker 的回源行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Query   string
	Host    string
	Headers http.Header
	Body    []byte
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{
		failures: map[string]int{},
		pageHTML: []byte("<!doctype html><title>picnic</title>"),
	}
	mux := http.NewServeMux()
	registerPicnicHandlers(mux, stub.pageHTML)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		if status := stub.failureFor(r.URL.Path); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	return stub
}

func (s *upstreamStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Fail 让指定路径返回给定状态码，status 为 0 时恢复正常。
func (s *upstreamStub) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

func (s *upstreamStub) failureFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[path]
}

func (s *upstreamStub) recordRequest(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Host:    r.Host,
		Headers: cloneHeader(r.Header),
		Body:    body,
	})
	s.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

// Count 返回指定路径被请求的次数。
func (s *upstreamStub) Count(path string) int {
	count := 0
	for _, req := range s.Requests() {
		if req.Path == path {
			count++
		}
	}
	return count
}

func (s *upstreamStub) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func registerPicnicHandlers(mux *http.ServeMux, page []byte) {
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(page)
	})

	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":       "Picnic",
			"short_name": "Picnic",
			"start_url":  "/",
			"display":    "standalone",
		})
	})

	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte("console.log('picnic " + r.URL.RawQuery + "')"))
	})

	mux.HandleFunc("/api/basket", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		cp := make([]string, len(values))
		copy(cp, values)
		dst[k] = cp
	}
	return dst
}

func TestUpstreamStubServesPicnicAssets(t *testing.T) {
	stub := newUpstreamStub(t)
	defer stub.Close()

	resp, err := http.Get(stub.URL + "/")
	if err != nil {
		t.Fatalf("page request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, stub.pageHTML) {
		t.Fatalf("page body unexpected: %s", string(body))
	}

	resp, err = http.Get(stub.URL + "/manifest.json")
	if err != nil {
		t.Fatalf("manifest request failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte(`"short_name":"Picnic"`)) {
		t.Fatalf("manifest unexpected: %s", string(body))
	}

	if got := len(stub.Requests()); got != 2 {
		t.Fatalf("expected 2 recorded requests, got %d", got)
	}
}

func TestUpstreamStubFailureInjection(t *testing.T) {
	stub := newUpstreamStub(t)
	defer stub.Close()

	stub.Fail("/manifest.json", http.StatusServiceUnavailable)
	resp, err := http.Get(stub.URL + "/manifest.json")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected injected 503, got %d", resp.StatusCode)
	}

	stub.Fail("/manifest.json", 0)
	resp, err = http.Get(stub.URL + "/manifest.json")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected recovery after clearing failure, got %d", resp.StatusCode)
	}
	if stub.Count("/manifest.json") != 2 {
		t.Fatalf("expected 2 recorded manifest requests")
	}
}
