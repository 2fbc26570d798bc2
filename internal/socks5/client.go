package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

var errBadDestination = errors.New("destination host must be an IP or a domain of 1-255 bytes")

// ClientDial runs the client half of a SOCKS5 session on conn: method
// selection, RFC 1929 authentication when auth has a username, then a
// CONNECT to host:port. IP hosts are sent as addresses and anything else as
// a domain name for the server to resolve.
func ClientDial(conn net.Conn, auth Auth, host string, port int) error {
	atyp, addr, dstPort, err := destination(host, port)
	if err != nil {
		return err
	}
	if err := negotiate(conn, auth); err != nil {
		return err
	}
	return connect(conn, atyp, addr, dstPort)
}

func offeredMethods(auth Auth) []byte {
	if auth.Username == "" {
		return []byte{txsocks5.MethodNone}
	}
	return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
}

func negotiate(conn net.Conn, auth Auth) error {
	if _, err := txsocks5.NewNegotiationRequest(offeredMethods(auth)).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}
	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return fmt.Errorf("server requires username/password: %w", ErrNoAcceptableMethod)
		}
		return authenticate(conn, auth)
	case txsocks5.MethodUnsupportAll:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("server picked method %#x: %w", neg.Method, ErrNoAcceptableMethod)
	}
}

func authenticate(conn net.Conn, auth Auth) error {
	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

func connect(conn net.Conn, atyp byte, addr, port []byte) error {
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Rep: rep.Rep}
	}
	return nil
}

// destination encodes host and port for a request. IPv4-mapped IPv6
// addresses go out as IPv4.
func destination(host string, port int) (byte, []byte, []byte, error) {
	if port < 1 || port > 65535 {
		return 0, nil, nil, fmt.Errorf("destination port %d out of range", port)
	}
	p := binary.BigEndian.AppendUint16(nil, uint16(port))

	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			a := ip.As4()
			return txsocks5.ATYPIPv4, a[:], p, nil
		}
		a := ip.As16()
		return txsocks5.ATYPIPv6, a[:], p, nil
	}

	if host == "" || len(host) > 255 {
		return 0, nil, nil, errBadDestination
	}
	return txsocks5.ATYPDomain, []byte(host), p, nil
}
