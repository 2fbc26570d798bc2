package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// DoHStep resolves through a JSON DNS-over-HTTPS endpoint
// (application/dns-json, as served by cloudflare-dns.com/dns-query).
type DoHStep struct {
	endpoint string
	client   *http.Client
}

func NewDoHStep(endpoint string, client *http.Client) *DoHStep {
	if client == nil {
		client = http.DefaultClient
	}
	return &DoHStep{endpoint: endpoint, client: client}
}

func (s *DoHStep) Method() Method { return MethodDoH }

type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		TTL  int    `json:"TTL"`
		Data string `json:"data"`
	} `json:"Answer"`
}

func (s *DoHStep) LookupA(ctx context.Context, host string) (net.IP, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("doh endpoint: %w", err)
	}
	q := u.Query()
	q.Set("name", host)
	q.Set("type", "A")
	q.Set("do", "true")
	q.Set("cd", "false")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh request: %s", resp.Status)
	}

	var body dohResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return nil, fmt.Errorf("doh response: %w", err)
	}

	for _, ans := range body.Answer {
		if ans.Type != 1 {
			continue
		}
		if ip := net.ParseIP(ans.Data); ip != nil {
			return ip, nil
		}
	}
	return nil, errNoAnswer
}
