package probe

import (
	"context"
	"fmt"
	"time"

	goping "github.com/go-ping/ping"
)

// ICMPPinger 基于 go-ping 的 ICMP 往返时延测量
type ICMPPinger struct {
	Privileged bool
}

// NewICMPPinger 创建 ICMP Pinger
// Linux 下非特权模式需要 net.ipv4.ping_group_range 允许
func NewICMPPinger(privileged bool) *ICMPPinger {
	return &ICMPPinger{Privileged: privileged}
}

// Ping 发送单个 ICMP Echo，ctx 结束时停止 pinger
func (c *ICMPPinger) Ping(ctx context.Context, addr string) (time.Duration, error) {
	pinger, err := goping.NewPinger(addr)
	if err != nil {
		return 0, fmt.Errorf("创建pinger失败: %w", err)
	}

	pinger.SetPrivileged(c.Privileged)
	pinger.Count = 1
	pinger.Timeout = time.Second
	if deadline, ok := ctx.Deadline(); ok {
		pinger.Timeout = time.Until(deadline)
	}

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("执行ping失败: %w", err)
		}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("ICMP应答超时 (发送: %d, 接收: %d)", stats.PacketsSent, stats.PacketsRecv)
	}
	return stats.AvgRtt, nil
}
