package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/die-net/bindproxy/internal/metrics"
)

// Method names the chain step that produced a Record.
type Method string

const (
	MethodDirect  Method = "direct-protocol"
	MethodDoH     Method = "doh"
	MethodSystem  Method = "system"
	MethodLiteral Method = "literal"
)

// errNoAnswer is returned by steps that got a response without an A record.
var errNoAnswer = errors.New("no A record in answer")

// Record is the outcome of one resolution.
type Record struct {
	Hostname string
	IP       string
	Method   Method
}

// Step is one link of the chain.
type Step interface {
	Method() Method
	LookupA(ctx context.Context, host string) (net.IP, error)
}

// Config selects the default chain endpoints.
type Config struct {
	// DNSServer is the host:port of the recursive resolver queried over UDP.
	DNSServer string
	// DoHURL is the JSON DNS-over-HTTPS endpoint.
	DoHURL string
	// StepTimeout bounds each step independently.
	StepTimeout time.Duration
}

type Resolver struct {
	steps   []Step
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Resolver using the direct, DoH and system steps, in that order.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	steps := []Step{
		NewDirectStep(cfg.DNSServer, cfg.StepTimeout),
		NewDoHStep(cfg.DoHURL, &http.Client{Timeout: cfg.StepTimeout}),
		NewSystemStep(net.DefaultResolver),
	}
	return NewWithSteps(steps, cfg.StepTimeout, logger, m)
}

// NewWithSteps returns a Resolver over an explicit chain.
func NewWithSteps(steps []Step, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{steps: steps, timeout: timeout, logger: logger, metrics: m}
}

// Resolve maps host to an IPv4 address. IP literals are returned unchanged;
// if every step fails the hostname itself is returned with MethodLiteral.
func (r *Resolver) Resolve(ctx context.Context, host string) Record {
	if ip := net.ParseIP(host); ip != nil {
		r.metrics.Resolved(string(MethodLiteral))
		return Record{Hostname: host, IP: host, Method: MethodLiteral}
	}

	for _, step := range r.steps {
		if ctx.Err() != nil {
			break
		}

		ip, err := r.lookup(ctx, step, host)
		if err != nil {
			r.metrics.ResolverStepFailed(string(step.Method()))
			r.logger.DebugContext(ctx, "resolver step failed", "host", host, "method", step.Method(), "error", err)
			continue
		}

		r.metrics.Resolved(string(step.Method()))
		r.logger.DebugContext(ctx, "resolved", "host", host, "ip", ip.String(), "method", step.Method())
		return Record{Hostname: host, IP: ip.String(), Method: step.Method()}
	}

	r.metrics.Resolved(string(MethodLiteral))
	r.logger.DebugContext(ctx, "resolver chain exhausted, using hostname", "host", host)
	return Record{Hostname: host, IP: host, Method: MethodLiteral}
}

func (r *Resolver) lookup(ctx context.Context, step Step, host string) (net.IP, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	ip, err := step.LookupA(ctx, host)
	if err != nil {
		return nil, err
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errNoAnswer
	}
	return ip4, nil
}
