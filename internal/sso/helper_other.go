//go:build !windows

package sso

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/pkg/errors"
)

var contextFlags = []int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf}

type kerberosHelper struct {
	spn         string
	cl          *client.Client
	bindingHash []byte
}

// NewHelper builds a Negotiate helper from the user's Kerberos credential
// cache. NTLM single sign-on needs Windows and yields ErrUnsupported.
func NewHelper(scheme, hostname string, cert *x509.Certificate) (Helper, error) {
	if scheme != SchemeNegotiate {
		return nil, errors.Wrapf(ErrUnsupported, "scheme %q", scheme)
	}

	cfg, err := config.Load(krb5ConfPath())
	if err != nil {
		return nil, errors.Wrap(err, "load krb5 config")
	}
	ccache, err := credentials.LoadCCache(ccachePath())
	if err != nil {
		return nil, errors.Wrap(err, "load credential cache")
	}
	cl, err := client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, errors.Wrap(err, "kerberos client")
	}

	return newKerberosHelper(cl, hostname, cert), nil
}

func newKerberosHelper(cl *client.Client, hostname string, cert *x509.Certificate) *kerberosHelper {
	return &kerberosHelper{
		spn:         "HTTP/" + hostname,
		cl:          cl,
		bindingHash: gssBindingsHash(bindingData(cert)),
	}
}

func (h *kerberosHelper) Scheme() string {
	return SchemeNegotiate
}

// Step returns the Kerberos AP-REQ wrapped in SPNEGO. Kerberos completes in a
// single leg, so server tokens (mutual authentication) end the exchange.
func (h *kerberosHelper) Step(serverToken []byte) ([]byte, error) {
	if serverToken != nil {
		return nil, nil
	}

	if err := h.cl.AffirmLogin(); err != nil {
		return nil, errors.Wrap(err, "acquire client credential")
	}
	tkt, key, err := h.cl.GetServiceTicket(h.spn)
	if err != nil {
		return nil, errors.Wrapf(err, "service ticket for %s", h.spn)
	}

	// The library's own authenticator carries no channel bindings, so the
	// AP-REQ is rebuilt with one.
	mt, err := spnego.NewKRB5TokenAPREQ(h.cl, tkt, key, contextFlags, nil)
	if err != nil {
		return nil, errors.Wrap(err, "initialize security context")
	}
	auth, err := types.NewAuthenticator(h.cl.Credentials.Domain(), h.cl.Credentials.CName())
	if err != nil {
		return nil, errors.Wrap(err, "authenticator")
	}
	auth.Cksum = types.Checksum{
		CksumType: chksumtype.GSSAPI,
		Checksum:  authenticatorChecksum(h.bindingHash, contextFlags),
	}
	if mt.APReq, err = messages.NewAPReq(tkt, key, auth); err != nil {
		return nil, errors.Wrap(err, "AP-REQ")
	}
	mtb, err := mt.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal KRB5 token")
	}

	st := spnego.SPNEGOToken{
		Init: true,
		NegTokenInit: spnego.NegTokenInit{
			MechTypes:      []asn1.ObjectIdentifier{gssapi.OIDKRB5.OID()},
			MechTokenBytes: mtb,
		},
	}
	token, err := st.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal SPNEGO token")
	}
	return token, nil
}

func (h *kerberosHelper) Close() error {
	h.cl.Destroy()
	return nil
}

// authenticatorChecksum lays out the RFC 4121 section 4.1.1 checksum: Lgth,
// the channel bindings hash, then the context flags.
func authenticatorChecksum(bindingHash []byte, flags []int) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[:4], 16)
	copy(b[4:20], bindingHash)
	var f uint32
	for _, fl := range flags {
		f |= uint32(fl)
	}
	binary.LittleEndian.PutUint32(b[20:], f)
	return b
}

func krb5ConfPath() string {
	if p := os.Getenv("KRB5_CONFIG"); p != "" {
		return p
	}
	return "/etc/krb5.conf"
}

func ccachePath() string {
	if p := os.Getenv("KRB5CCNAME"); p != "" {
		return strings.TrimPrefix(p, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}
