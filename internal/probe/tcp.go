package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// TCPPinger 以 TCP 建连耗时作为往返时延，适用于无法发送 ICMP 的环境
type TCPPinger struct {
	Port int
}

// NewTCPPinger 创建 TCP Pinger，端口默认 443
func NewTCPPinger(port int) *TCPPinger {
	if port <= 0 {
		port = 443
	}
	return &TCPPinger{Port: port}
}

// Ping 建立一次 TCP 连接并立即关闭
func (c *TCPPinger) Ping(ctx context.Context, addr string) (time.Duration, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(c.Port))

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, fmt.Errorf("TCP连接失败: %w", err)
	}
	rtt := time.Since(start)
	conn.Close()

	return rtt, nil
}
