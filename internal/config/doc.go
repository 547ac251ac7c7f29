// Package config holds the set of hosts the proxy authenticates against.
//
// Hosts are listed either with explicit NTLM credentials or as single sign-on
// hosts that use the current user's credentials. Patterns are hostnames, or
// hostnames with '*' wildcards, and are matched case-insensitively against
// the request hostname only. An exact pattern always wins over a wildcard.
package config
