package main

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("PICNIC_WORKER_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "picnic-worker") {
		t.Fatalf("version 输出应包含 picnic-worker 标识")
	}
}

func TestParseCLIFlagsInstallOnly(t *testing.T) {
	opts, err := parseCLIFlags([]string{"--install-only", "--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !opts.installOnly || opts.checkOnly {
		t.Fatalf("install-only 标志解析错误: %+v", opts)
	}
}

func TestRunInstallOnlySuccess(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok "+r.URL.Path)
	}))
	defer origin.Close()

	useBufferWriters(t)
	code := run(cliOptions{configPath: installConfig(t, origin.URL), installOnly: true})
	if code != 0 {
		t.Fatalf("安装成功应返回 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestRunInstallOnlyFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest.json" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer origin.Close()

	useBufferWriters(t)
	code := run(cliOptions{configPath: installConfig(t, origin.URL), installOnly: true})
	if code != 1 {
		t.Fatalf("安装失败应返回 1，得到 %d", code)
	}
	if !strings.Contains(stdErrBuffer().String(), "manifest.json") {
		t.Fatalf("错误输出应指出失败资源: %s", stdErrBuffer().String())
	}
}

func installConfig(t *testing.T, scope string) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "error"
StoragePath = "%s"
StorageDriver = "sqlite"
InstallTimeout = "5s"

[[Worker]]
Name = "picnic"
Domain = "picnic.local"
Scope = "%s"
`, filepath.Join(dir, "storage"), scope))
}
