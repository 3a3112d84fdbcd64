package worker

import "fmt"

// InstallError 描述安装阶段单个资源的失败原因：网络错误或非 2xx 状态码。
type InstallError struct {
	Asset  string
	URL    string
	Status int
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install asset %s (%s): %v", e.Asset, e.URL, e.Err)
	}
	return fmt.Sprintf("install asset %s (%s): unexpected status %d", e.Asset, e.URL, e.Status)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
