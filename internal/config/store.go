package config

import (
	"path"
	"strings"
	"sync"

	"github.com/die-net/ntlmconduit/internal/target"
)

type ntlmRule struct {
	pattern string
	creds   Credentials
}

// Store is the live host configuration. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	file        File
	ntlm        []ntlmRule
	sso         []string
	controlBase string
}

// NewStore returns a Store holding f. f is assumed valid.
func NewStore(f File) *Store {
	s := &Store{}
	s.set(f)
	return s
}

func (s *Store) set(f File) {
	var ntlm []ntlmRule
	for _, nh := range f.NtlmHosts {
		creds := Credentials{
			Username:    nh.Username,
			Password:    nh.Password,
			Domain:      nh.Domain,
			Workstation: nh.Workstation,
		}
		for _, h := range nh.Hosts {
			ntlm = append(ntlm, ntlmRule{pattern: strings.ToLower(h), creds: creds})
		}
	}
	sso := make([]string, 0, len(f.SsoHosts))
	for _, h := range f.SsoHosts {
		sso = append(sso, strings.ToLower(h))
	}

	s.mu.Lock()
	s.file = f
	s.ntlm = ntlm
	s.sso = sso
	s.mu.Unlock()
}

// Replace validates f and makes it the live configuration.
func (s *Store) Replace(f File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.set(f)
	return nil
}

// Reset clears all hosts.
func (s *Store) Reset() {
	s.set(File{})
}

// Snapshot returns the live configuration.
func (s *Store) Snapshot() File {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f := File{
		NtlmHosts: make([]NtlmHost, 0, len(s.file.NtlmHosts)),
		SsoHosts:  append([]string{}, s.file.SsoHosts...),
	}
	for _, nh := range s.file.NtlmHosts {
		nh.Hosts = append([]string(nil), nh.Hosts...)
		f.NtlmHosts = append(f.NtlmHosts, nh)
	}
	return f
}

func (s *Store) SetControlPlaneBaseURL(u string) {
	s.mu.Lock()
	s.controlBase = u
	s.mu.Unlock()
}

// ControlPlaneBaseURL is the base URL of the local control API, or "" when
// it is not running.
func (s *Store) ControlPlaneBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.controlBase
}

// RequiresNtlm reports whether h has explicit NTLM credentials.
func (s *Store) RequiresNtlm(h target.Host) bool {
	_, ok := s.Credentials(h)
	return ok
}

// UseSso reports whether h authenticates with the user's own credentials.
func (s *Store) UseSso(h target.Host) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return matchIndex(s.sso, strings.ToLower(h.Hostname)) >= 0
}

func (s *Store) RequiresNtlmOrSso(h target.Host) bool {
	return s.UseSso(h) || s.RequiresNtlm(h)
}

// Credentials returns the NTLM credentials configured for h.
func (s *Store) Credentials(h target.Host) (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patterns := make([]string, len(s.ntlm))
	for i, r := range s.ntlm {
		patterns[i] = r.pattern
	}
	i := matchIndex(patterns, strings.ToLower(h.Hostname))
	if i < 0 {
		return Credentials{}, false
	}
	return s.ntlm[i].creds, true
}

// matchIndex returns the index of the pattern matching hostname, preferring
// exact patterns over wildcards and earlier patterns over later ones.
func matchIndex(patterns []string, hostname string) int {
	if hostname == "" {
		return -1
	}

	wildcard := -1
	for i, p := range patterns {
		if !strings.Contains(p, "*") {
			if p == hostname {
				return i
			}
			continue
		}
		if wildcard < 0 {
			if ok, _ := path.Match(p, hostname); ok {
				wildcard = i
			}
		}
	}
	return wildcard
}
