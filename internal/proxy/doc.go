// Package proxy implements the listener side of a binding: the HTTP forward
// proxy (CONNECT tunnels and plain requests), the tunnel relay, and the
// supervisor that runs one server per bound port.
package proxy
