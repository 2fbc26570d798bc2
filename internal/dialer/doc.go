// Package dialer provides the outbound side of a binding: connections to the
// target made through the binding's SOCKS5 upstream, with the target hostname
// resolved locally by the DNS override chain.
package dialer
