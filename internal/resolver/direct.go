package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DirectStep queries a recursive resolver over UDP with EDNS0 and the DO bit set.
type DirectStep struct {
	server string
	client *dns.Client
}

func NewDirectStep(server string, timeout time.Duration) *DirectStep {
	return &DirectStep{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout, UDPSize: 4096},
	}
}

func (s *DirectStep) Method() Method { return MethodDirect }

func (s *DirectStep) LookupA(ctx context.Context, host string) (net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true
	m.SetEdns0(4096, true)

	resp, _, err := s.client.ExchangeContext(ctx, m, s.server)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s: %s", s.server, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A, nil
		}
	}
	return nil, errNoAnswer
}
