package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/picnic-hub/picnic-worker/internal/cache"
	"github.com/picnic-hub/picnic-worker/internal/config"
	"github.com/picnic-hub/picnic-worker/internal/logging"
	"github.com/picnic-hub/picnic-worker/internal/proxy"
	"github.com/picnic-hub/picnic-worker/internal/server"
	"github.com/picnic-hub/picnic-worker/internal/server/routes"
	"github.com/picnic-hub/picnic-worker/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	installOnly bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["workers"] = len(cfg.Workers)
		fields["caches"] = config.CacheNames(cfg.Workers)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 缓存存储 → WorkerRegistry → 安装 → Fiber server”顺序，
	// 所有 Worker 共享同一个 Storage 与上游 http.Client。
	storage, err := cache.NewStorage(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewWorkerRegistry(cfg, storage, httpClient, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Worker 注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["workers"] = len(cfg.Workers)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	installErr := installWorkers(registry, cfg, logger)
	if opts.installOnly {
		if installErr != nil {
			fmt.Fprintf(stdErr, "安装失败: %v\n", installErr)
			return 1
		}
		return 0
	}

	if err := startHTTPServer(cfg, registry, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// installWorkers 在监听前安装全部 Worker；失败的 Worker 保持 redundant 并直接回源，服务照常启动。
func installWorkers(registry *server.WorkerRegistry, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.InstallTimeout.DurationValue())
	defer cancel()

	err := registry.InstallAll(ctx)
	fields := logrus.Fields{
		"action":  "install_all",
		"workers": len(cfg.Workers),
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("部分 Worker 安装失败，相关请求将直接回源")
		return err
	}
	logger.WithFields(fields).Info("全部 Worker 安装完成")
	return nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("picnic-worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		installOnly bool
		showVer     bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PICNIC_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&installOnly, "install-only", false, "安装全部 Worker 后退出，任一失败返回 1")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PICNIC_WORKER_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		installOnly: installOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, registry *server.WorkerRegistry, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, registry, cfg.Global.InstallTimeout.DurationValue())

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
