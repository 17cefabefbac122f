package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingStep struct {
	rtt   time.Duration
	err   error
	block bool
}

// scriptedPinger 按脚本依次返回结果
type scriptedPinger struct {
	mu        sync.Mutex
	steps     []pingStep
	addrs     []string
	cancelled int
}

func (s *scriptedPinger) Ping(ctx context.Context, addr string) (time.Duration, error) {
	s.mu.Lock()
	s.addrs = append(s.addrs, addr)
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.block {
		<-ctx.Done()
		s.mu.Lock()
		s.cancelled++
		s.mu.Unlock()
		return 0, ctx.Err()
	}
	return step.rtt, step.err
}

type fakeResolver struct {
	ips     []string
	err     error
	queried []string
}

func (f *fakeResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	f.queried = append(f.queried, domain)
	return f.ips, f.err
}

func TestLatencyAveragesSuccessfulSamples(t *testing.T) {
	fail := errors.New("unreachable")
	pinger := &scriptedPinger{steps: []pingStep{
		{rtt: 10 * time.Millisecond},
		{err: fail},
		{rtt: 20 * time.Millisecond},
		{err: fail},
		{rtt: 30 * time.Millisecond},
	}}

	var values []float64
	got := NewLatencyProbe(pinger, nil).Run(context.Background(), LatencyConfig{
		IP:      "192.0.2.1",
		Retries: 5,
		OnProgress: func(evt ProgressEvent) {
			assert.Equal(t, PhaseLatency, evt.Phase)
			assert.GreaterOrEqual(t, evt.Progress, 0.0)
			assert.LessOrEqual(t, evt.Progress, 1.0)
			values = append(values, evt.Value)
		},
	})

	assert.Equal(t, 20.0, got)
	assert.Equal(t, []float64{10, 20, 30}, values)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.1", "192.0.2.1", "192.0.2.1", "192.0.2.1"}, pinger.addrs)
}

func TestLatencyAllTimeoutsReturnZero(t *testing.T) {
	steps := make([]pingStep, 3)
	for i := range steps {
		steps[i] = pingStep{block: true}
	}
	pinger := &scriptedPinger{steps: steps}

	start := time.Now()
	got := NewLatencyProbe(pinger, nil).Run(context.Background(), LatencyConfig{
		IP:      "192.0.2.1",
		Retries: 3,
		Timeout: 50 * time.Millisecond,
	})

	assert.Equal(t, 0.0, got)
	assert.Equal(t, 3, pinger.cancelled, "losing attempts are cancelled")
	assert.Less(t, time.Since(start), time.Second)
}

func TestLatencyResolutionOrder(t *testing.T) {
	one := func() *scriptedPinger {
		return &scriptedPinger{steps: []pingStep{{rtt: 5 * time.Millisecond}}}
	}

	// IP 优先，不解析
	res := &fakeResolver{ips: []string{"198.51.100.1"}}
	p := one()
	NewLatencyProbe(p, res).Run(context.Background(), LatencyConfig{IP: "192.0.2.9", Domain: "example.com", Retries: 1})
	assert.Empty(t, res.queried)
	assert.Equal(t, []string{"192.0.2.9"}, p.addrs)

	// 指定域名
	res = &fakeResolver{ips: []string{"198.51.100.1", "198.51.100.2"}}
	p = one()
	NewLatencyProbe(p, res).Run(context.Background(), LatencyConfig{Domain: "example.com", Retries: 1})
	assert.Equal(t, []string{"example.com"}, res.queried)
	assert.Equal(t, []string{"198.51.100.1"}, p.addrs)

	// 默认域名
	res = &fakeResolver{ips: []string{"198.51.100.3"}}
	p = one()
	got := NewLatencyProbe(p, res).Run(context.Background(), LatencyConfig{Retries: 1})
	assert.Equal(t, []string{DefaultLatencyDomain}, res.queried)
	assert.Equal(t, 5.0, got)
}

func TestLatencyResolutionFailureReturnsZero(t *testing.T) {
	res := &fakeResolver{err: errors.New("SERVFAIL")}
	p := &scriptedPinger{}

	got := NewLatencyProbe(p, res).Run(context.Background(), LatencyConfig{Domain: "bad.example"})
	assert.Equal(t, 0.0, got)
	assert.Empty(t, p.addrs)

	_, err := NewLatencyProbe(p, &fakeResolver{}).resolveTarget(context.Background(), LatencyConfig{Domain: "empty.example"})
	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "empty.example", rerr.Domain)
}

func TestTCPPinger(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	rtt, err := NewTCPPinger(port).Ping(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}
