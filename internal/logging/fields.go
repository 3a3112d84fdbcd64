package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 提供 worker/bucket/scope 字段，供安装与缓存日志复用。
func WorkerFields(worker, cacheName, scope string) logrus.Fields {
	return logrus.Fields{
		"worker": worker,
		"cache":  cacheName,
		"scope":  scope,
	}
}

// RequestFields 在 WorkerFields 基础上追加 domain/生命周期/命中状态，供 fetch 日志复用。
func RequestFields(worker, domain, cacheName, state string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"worker":    worker,
		"domain":    domain,
		"cache":     cacheName,
		"state":     state,
		"cache_hit": cacheHit,
	}
}
