package resolver

import (
	"context"
	"net"
)

// SystemStep defers to the platform resolver.
type SystemStep struct {
	r *net.Resolver
}

func NewSystemStep(r *net.Resolver) *SystemStep {
	if r == nil {
		r = net.DefaultResolver
	}
	return &SystemStep{r: r}
}

func (s *SystemStep) Method() Method { return MethodSystem }

func (s *SystemStep) LookupA(ctx context.Context, host string) (net.IP, error) {
	ips, err := s.r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errNoAnswer
	}
	return ips[0], nil
}
