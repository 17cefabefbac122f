package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

// fallbackNameserver resolv.conf 不可用时使用
const fallbackNameserver = "1.1.1.1:53"

// DNSResolver 基于 miekg/dns 的解析器，直接向指定 DNS 服务器查询 A/AAAA 记录
type DNSResolver struct {
	Servers []string
	client  *dns.Client
}

// NewDNSResolver 创建解析器，servers 为空时读取系统 resolv.conf
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if len(servers) == 0 {
		servers = systemNameservers()
	}
	return &DNSResolver{
		Servers: servers,
		client:  &dns.Client{Timeout: timeout},
	}
}

func systemNameservers() []string {
	cc, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil || len(cc.Servers) == 0 {
		return []string{fallbackNameserver}
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// LookupHost 返回域名的地址列表，IPv4 优先
func (r *DNSResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	if net.ParseIP(domain) != nil {
		return []string{domain}, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, server := range r.Servers {
			ips, err := r.query(ctx, domain, qtype, server)
			if err != nil {
				lastErr = err
				continue
			}
			if len(ips) > 0 {
				return ips, nil
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("DNS解析未返回IP地址: %s", domain)
}

func (r *DNSResolver) query(ctx context.Context, domain string, qtype uint16, server string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)

	in, _, err := r.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 失败: %w", server, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("查询 %s 返回 %s", server, dns.RcodeToString[in.Rcode])
	}

	var ips []string
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			ips = append(ips, v.A.String())
		case *dns.AAAA:
			ips = append(ips, v.AAAA.String())
		}
	}
	return ips, nil
}
