package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/picnic-hub/picnic-worker/internal/cache"
)

var supportedDrivers = map[string]struct{}{
	cache.DriverFS:     {},
	cache.DriverSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch strings.ToLower(g.LogFormat) {
	case "", "json", "text":
	default:
		return newFieldError("Global.LogFormat", "仅支持 json/text")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedDrivers[strings.ToLower(g.StorageDriver)]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InstallTimeout", "必须大于 0")
	}

	if len(c.Workers) == 0 {
		return errors.New("至少需要配置一个 Worker")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.Name == "" {
			return newFieldError("Worker[].Name", "不能为空")
		}
		if _, exists := seenNames[w.Name]; exists {
			return newFieldError(workerField(w.Name, "Name"), "重复")
		}
		seenNames[w.Name] = struct{}{}

		if err := validateDomain(w.Domain); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Domain"), err)
		}
		domain := strings.ToLower(w.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(workerField(w.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(w.Scope); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Scope"), err)
		}
		if w.Proxy != "" {
			if err := validateUpstream(w.Proxy); err != nil {
				return fmt.Errorf("%s: %w", workerField(w.Name, "Proxy"), err)
			}
		}
		if err := cache.ValidateBucketName(w.CacheName); err != nil {
			return newFieldError(workerField(w.Name, "CacheName"), err.Error())
		}
		if err := validateAssets(w.Assets); err != nil {
			return fmt.Errorf("%s: %w", workerField(w.Name, "Assets"), err)
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateAssets 要求资源为以 / 开头的同源路径，且不允许重复（重复请求会让整批安装失败）。
func validateAssets(assets []string) error {
	if len(assets) == 0 {
		return errors.New("至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if !strings.HasPrefix(asset, "/") || strings.HasPrefix(asset, "//") {
			return fmt.Errorf("资源必须是以 / 开头的同源路径: %q", asset)
		}
		if strings.Contains(asset, "#") {
			return fmt.Errorf("资源不允许包含片段: %q", asset)
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("资源重复: %q", asset)
		}
		seen[asset] = struct{}{}
	}
	return nil
}
