package integration

import (
	"net/http"
	"strings"
	"testing"

	"github.com/picnic-hub/picnic-worker/internal/worker"
)

func TestOfflineFlowServesInstalledAssets(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		stub := newUpstreamStub(t)
		defer stub.Close()

		h := newHarness(t, driver, picnicWorker(stub.URL))
		if err := h.registry.InstallAll(t.Context()); err != nil {
			t.Fatalf("install failed: %v", err)
		}
		if got := stub.Count("/") + stub.Count("/manifest.json"); got != 2 {
			t.Fatalf("install should fetch each asset once, got %d", got)
		}

		stub.Close()

		resp := h.do(t, http.MethodGet, picnicHost, "/", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("cached page should be served offline, got %d", resp.StatusCode)
		}
		if resp.Header.Get("X-Picnic-Cache-Hit") != "true" {
			t.Fatalf("expected cache hit header")
		}
		if got := resp.Header.Get("Content-Type"); got != "text/html; charset=utf-8" {
			t.Fatalf("stored content type should be replayed, got %q", got)
		}
		if body := readBody(t, resp); !strings.Contains(body, "<title>picnic</title>") {
			t.Fatalf("unexpected cached page: %s", body)
		}

		resp = h.do(t, http.MethodGet, picnicHost, "/manifest.json", nil)
		if body := readBody(t, resp); !strings.Contains(body, `"short_name":"Picnic"`) {
			t.Fatalf("unexpected cached manifest: %s", body)
		}

		resp = h.do(t, http.MethodGet, picnicHost, "/static/app.js", nil)
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("uncached asset should fail with 502 offline, got %d", resp.StatusCode)
		}
		if body := readBody(t, resp); !strings.Contains(body, "upstream_failed") {
			t.Fatalf("expected upstream_failed body, got %s", body)
		}
	})
}

func TestOnlineMissIsForwardedWithoutCaching(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		stub := newUpstreamStub(t)
		defer stub.Close()

		h := newHarness(t, driver, picnicWorker(stub.URL))
		if err := h.registry.InstallAll(t.Context()); err != nil {
			t.Fatalf("install failed: %v", err)
		}
		stub.Reset()

		for i := 0; i < 3; i++ {
			resp := h.do(t, http.MethodGet, picnicHost, "/static/app.js?build=42", nil)
			if resp.Header.Get("X-Picnic-Cache-Hit") != "false" {
				t.Fatalf("uncached asset must be a miss on request %d", i)
			}
			if body := readBody(t, resp); body != "console.log('picnic build=42')" {
				t.Fatalf("unexpected network body: %s", body)
			}
		}
		if got := stub.Count("/static/app.js"); got != 3 {
			t.Fatalf("each miss should reach the network exactly once, got %d", got)
		}
		for _, req := range stub.Requests() {
			if req.Query != "build=42" {
				t.Fatalf("query must be forwarded unchanged, got %q", req.Query)
			}
		}

		route, _ := h.registry.LookupName("picnic")
		entries, err := route.Worker.Entries(t.Context())
		if err != nil {
			t.Fatalf("entries failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("bucket must hold only the installed assets, got %d", len(entries))
		}
	})
}

func TestNonGetRequestsReachNetwork(t *testing.T) {
	stub := newUpstreamStub(t)
	defer stub.Close()

	h := newHarness(t, "fs", picnicWorker(stub.URL))
	if err := h.registry.InstallAll(t.Context()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	stub.Reset()

	resp := h.do(t, http.MethodPost, picnicHost, "/api/basket", strings.NewReader(`{"sku":"apple"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected upstream 201, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != `{"sku":"apple"}` {
		t.Fatalf("request body should be forwarded, got %s", body)
	}

	reqs := stub.Requests()
	if len(reqs) != 1 || reqs[0].Method != http.MethodPost || reqs[0].Host != strings.TrimPrefix(stub.URL, "http://") {
		t.Fatalf("unexpected forwarded request: %+v", reqs)
	}
	if reqs[0].Headers.Get("X-Forwarded-Host") != picnicHost {
		t.Fatalf("expected X-Forwarded-Host %s, got %q", picnicHost, reqs[0].Headers.Get("X-Forwarded-Host"))
	}
}

func TestFailedInstallLeavesWorkerPassingThrough(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		stub := newUpstreamStub(t)
		defer stub.Close()
		stub.Fail("/manifest.json", http.StatusInternalServerError)

		h := newHarness(t, driver, picnicWorker(stub.URL))
		err := h.registry.InstallAll(t.Context())
		if err == nil {
			t.Fatalf("expected install failure")
		}

		route, _ := h.registry.LookupName("picnic")
		if route.Worker.State() != worker.StateRedundant {
			t.Fatalf("expected redundant worker, got %s", route.Worker.State())
		}
		entries, err := route.Worker.Entries(t.Context())
		if err != nil {
			t.Fatalf("entries failed: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("failed install must not commit entries, got %d", len(entries))
		}

		stub.Reset()
		resp := h.do(t, http.MethodGet, picnicHost, "/", nil)
		if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Picnic-Cache-Hit") != "false" {
			t.Fatalf("redundant worker should pass through, got %d", resp.StatusCode)
		}
		if stub.Count("/") != 1 {
			t.Fatalf("expected one network call for pass-through")
		}

		stub.Fail("/manifest.json", 0)
		resp = h.install(t, "picnic")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("manual re-install should succeed, got %d: %s", resp.StatusCode, readBody(t, resp))
		}
		if route.Worker.State() != worker.StateInstalled {
			t.Fatalf("worker should recover to installed, got %s", route.Worker.State())
		}
		resp = h.do(t, http.MethodGet, picnicHost, "/", nil)
		if resp.Header.Get("X-Picnic-Cache-Hit") != "true" {
			t.Fatalf("expected cache hit after recovery")
		}
	})
}
