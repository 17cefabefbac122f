package probe

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewHTTPClient 创建测速用 HTTP 客户端
// 不设置整体超时，传输时长由各探针通过 context 控制
func NewHTTPClient(insecure bool) *http.Client {
	// 自定义Transport，可选跳过证书验证（部分测速节点使用自签名证书）
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure,
		},
		TLSHandshakeTimeout: 10 * time.Second,
		// 每个 worker 独立连接，避免复用同一条 TCP 连接
		DisableKeepAlives:  true,
		DisableCompression: true,
	}

	return &http.Client{Transport: transport}
}
