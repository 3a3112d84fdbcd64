package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Worker 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFormat       string   `mapstructure:"LogFormat"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout  Duration `mapstructure:"InstallTimeout"`
}

// WorkerConfig 描述一个 Worker：监听哪个域名、源站在哪里、预取哪些资源到哪个 bucket。
type WorkerConfig struct {
	Name      string   `mapstructure:"Name"`
	Domain    string   `mapstructure:"Domain"`
	Scope     string   `mapstructure:"Scope"`
	Proxy     string   `mapstructure:"Proxy"`
	CacheName string   `mapstructure:"CacheName"`
	Assets    []string `mapstructure:"Assets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Workers []WorkerConfig `mapstructure:"Worker"`
}

// CacheNames 返回所有 Worker 的 bucket 摘要，例如 picnic:picnic-v1。
func CacheNames(workers []WorkerConfig) []string {
	if len(workers) == 0 {
		return nil
	}
	result := make([]string, len(workers))
	for i, w := range workers {
		result[i] = fmt.Sprintf("%s:%s", w.Name, w.CacheName)
	}
	return result
}
