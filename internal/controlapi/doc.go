// Package controlapi serves the local HTTP API used to inspect and change
// which hosts the proxy authenticates against.
package controlapi
