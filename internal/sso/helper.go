package sso

import (
	"crypto"
	"crypto/md5" //nolint:gosec // RFC 4121 fixes MD5 for the bindings checksum.
	"crypto/x509"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Authentication schemes a Helper can be created for.
const (
	SchemeNTLM      = "NTLM"
	SchemeNegotiate = "Negotiate"
)

// ErrUnsupported is returned when a scheme has no single sign-on source on
// this platform.
var ErrUnsupported = errors.New("single sign-on not supported")

// Helper produces the client side of one authentication exchange.
//
// Step(nil) starts a new exchange and returns the first token. Later calls
// feed the server's token and return the next client token; an empty result
// means the client has nothing more to send.
type Helper interface {
	Scheme() string
	Step(serverToken []byte) ([]byte, error)
	Close() error
}

// Factory creates a Helper for scheme against the upstream hostname. cert is
// the upstream's TLS certificate when known; helpers bind their tokens to it
// with a tls-server-end-point channel binding.
type Factory func(scheme, hostname string, cert *x509.Certificate) (Helper, error)

// EndpointBinding returns the RFC 5929 tls-server-end-point hash of cert.
// ok is false when cert is nil or signed with an algorithm whose hash cannot
// be determined, in which case no channel binding should be attempted.
func EndpointBinding(cert *x509.Certificate) (binding []byte, ok bool) {
	if cert == nil || len(cert.Raw) == 0 {
		return nil, false
	}

	var h crypto.Hash
	switch cert.SignatureAlgorithm {
	case x509.MD5WithRSA, x509.SHA1WithRSA, x509.ECDSAWithSHA1, x509.DSAWithSHA1,
		x509.SHA256WithRSA, x509.SHA256WithRSAPSS, x509.ECDSAWithSHA256, x509.DSAWithSHA256:
		h = crypto.SHA256
	case x509.SHA384WithRSA, x509.SHA384WithRSAPSS, x509.ECDSAWithSHA384:
		h = crypto.SHA384
	case x509.SHA512WithRSA, x509.SHA512WithRSAPSS, x509.ECDSAWithSHA512:
		h = crypto.SHA512
	default:
		return nil, false
	}

	d := h.New()
	d.Write(cert.Raw)
	return d.Sum(nil), true
}

const endPointPrefix = "tls-server-end-point:"

// bindingData returns the application data of the tls-server-end-point
// channel binding for cert, or nil when none applies.
func bindingData(cert *x509.Certificate) []byte {
	hash, ok := EndpointBinding(cert)
	if !ok {
		return nil
	}
	return append([]byte(endPointPrefix), hash...)
}

// secChannelBindings encodes data as an SSPI SEC_CHANNEL_BINDINGS structure
// with empty initiator and acceptor addresses.
func secChannelBindings(data []byte) []byte {
	const header = 32
	b := make([]byte, header+len(data))
	binary.LittleEndian.PutUint32(b[24:], uint32(len(data)))
	binary.LittleEndian.PutUint32(b[28:], header)
	copy(b[header:], data)
	return b
}

// gssBindingsHash returns the Bnd field of the RFC 4121 authenticator
// checksum for a gss_channel_bindings_struct carrying only data. Without
// data the field is all zeros.
func gssBindingsHash(data []byte) []byte {
	if data == nil {
		return make([]byte, md5.Size)
	}
	b := make([]byte, 20+len(data))
	binary.LittleEndian.PutUint32(b[16:], uint32(len(data)))
	copy(b[20:], data)
	sum := md5.Sum(b) //nolint:gosec
	return sum[:]
}
