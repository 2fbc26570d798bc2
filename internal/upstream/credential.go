// Package upstream describes the SOCKS5 upstream a binding forwards through.
package upstream

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Credential is a parsed user:pass@host:port upstream declaration.
type Credential struct {
	Username string
	Password string
	Host     string
	Port     int
}

// ValidationError reports a malformed credential string.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upstream %q: %s (want user:pass@host:port)", redactInput(e.Input), e.Reason)
}

// ParseCredential parses s in the form user:pass@host:port.
//
// The username ends at the first ':', the host part starts after the last '@'
// and the port follows the last ':' of the host part, so passwords may contain
// ':' and '@'.
func ParseCredential(s string) (Credential, error) {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Credential{}, &ValidationError{Input: s, Reason: "missing '@'"}
	}
	userinfo, hostport := s[:at], s[at+1:]

	user, pass, ok := strings.Cut(userinfo, ":")
	if !ok {
		return Credential{}, &ValidationError{Input: s, Reason: "missing ':' between username and password"}
	}
	if user == "" {
		return Credential{}, &ValidationError{Input: s, Reason: "empty username"}
	}
	if pass == "" {
		return Credential{}, &ValidationError{Input: s, Reason: "empty password"}
	}

	colon := strings.LastIndexByte(hostport, ':')
	if colon < 0 {
		return Credential{}, &ValidationError{Input: s, Reason: "missing port"}
	}
	host, portStr := hostport[:colon], hostport[colon+1:]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || strings.ContainsAny(host, " \t") {
		return Credential{}, &ValidationError{Input: s, Reason: "invalid host"}
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || strings.ContainsAny(portStr, "+-") {
		return Credential{}, &ValidationError{Input: s, Reason: "invalid port"}
	}

	return Credential{Username: user, Password: pass, Host: host, Port: port}, nil
}

// Addr returns the upstream host:port suitable for dialing.
func (c Credential) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns the credential as user:pass@host:port, the form ParseCredential accepts.
func (c Credential) String() string {
	return c.Username + ":" + c.Password + "@" + c.Addr()
}

// Redacted is String with the password masked, for logs and listings.
func (c Credential) Redacted() string {
	return c.Username + ":***@" + c.Addr()
}

func redactInput(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return s
	}
	user, _, ok := strings.Cut(s[:at], ":")
	if !ok {
		return s
	}
	return user + ":***" + s[at:]
}
