package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Capture 读取并关闭 resp.Body，生成可写入 bucket 的快照。
func Capture(key Key, resp *http.Response, now time.Time) (StoredResponse, error) {
	if resp == nil {
		return StoredResponse{}, fmt.Errorf("capture %s: nil response", key)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StoredResponse{}, fmt.Errorf("capture %s: %w", key, err)
	}
	return StoredResponse{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: now.UTC(),
	}, nil
}

// Response 基于快照构造新的 *http.Response，每次调用都拥有独立的 Body reader。
func (r StoredResponse) Response(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
