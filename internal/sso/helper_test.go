package sso

import (
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointBinding(t *testing.T) {
	t.Parallel()

	_, ok := EndpointBinding(nil)
	assert.False(t, ok)

	_, ok = EndpointBinding(&x509.Certificate{})
	assert.False(t, ok)

	raw := []byte("certificate bytes")
	cert := &x509.Certificate{Raw: raw, SignatureAlgorithm: x509.SHA1WithRSA}
	got, ok := EndpointBinding(cert)
	require.True(t, ok)
	want := sha256.Sum256(raw)
	assert.Equal(t, want[:], got)

	cert.SignatureAlgorithm = x509.SHA384WithRSA
	got, ok = EndpointBinding(cert)
	require.True(t, ok)
	assert.Len(t, got, 48)

	cert.SignatureAlgorithm = x509.PureEd25519
	_, ok = EndpointBinding(cert)
	assert.False(t, ok)
}

func TestBindingEncodings(t *testing.T) {
	t.Parallel()

	assert.Nil(t, bindingData(nil))
	assert.Equal(t, make([]byte, md5.Size), gssBindingsHash(nil))

	raw := []byte("certificate bytes")
	cert := &x509.Certificate{Raw: raw, SignatureAlgorithm: x509.SHA256WithRSA}
	hash := sha256.Sum256(raw)
	data := bindingData(cert)
	assert.Equal(t, append([]byte("tls-server-end-point:"), hash[:]...), data)

	sec := secChannelBindings(data)
	require.Len(t, sec, 32+len(data))
	assert.Equal(t, make([]byte, 24), sec[:24])
	assert.Equal(t, uint32(len(data)), binary.LittleEndian.Uint32(sec[24:28]))
	assert.Equal(t, uint32(32), binary.LittleEndian.Uint32(sec[28:32]))
	assert.Equal(t, data, sec[32:])

	gss := make([]byte, 20, 20+len(data))
	binary.LittleEndian.PutUint32(gss[16:], uint32(len(data)))
	want := md5.Sum(append(gss, data...)) //nolint:gosec
	assert.Equal(t, want[:], gssBindingsHash(data))
}
