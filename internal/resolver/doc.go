// Package resolver implements the DNS override chain used to resolve proxy
// targets without consulting the default system resolver first.
//
// A Resolver walks an ordered list of Steps (direct UDP query, DNS-over-HTTPS,
// system resolver) and falls back to the hostname itself when every step fails.
// Resolve never returns an error and nothing is cached between calls.
package resolver
