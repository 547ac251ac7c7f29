// Package sockerr classifies socket errors.
package sockerr
