package proxy

import (
	"crypto/tls"
	"sync"
)

// certCache keeps the certificates signed for intercepted hosts.
type certCache struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newCertCache() *certCache {
	return &certCache{certs: make(map[string]*tls.Certificate)}
}

// Fetch implements goproxy.CertStorage.
func (c *certCache) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.Lock()
	cert, ok := c.certs[hostname]
	c.mu.Unlock()
	if ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.certs[hostname]; ok {
		return prev, nil
	}
	c.certs[hostname] = cert
	return cert, nil
}
