// Package sso acquires single sign-on tokens from the operating system's
// cached credentials.
//
// On Windows tokens come from SSPI for the current user (NTLM and Negotiate).
// Elsewhere Negotiate tokens are built from the user's Kerberos credential
// cache; NTLM single sign-on is not available there.
package sso
