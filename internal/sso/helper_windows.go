//go:build windows

package sso

import (
	"crypto/x509"
	"syscall"

	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/negotiate"
	"github.com/alexbrainman/sspi/ntlm"
	"github.com/pkg/errors"
)

// SECBUFFER_CHANNEL_BINDINGS, missing from the sspi package.
const secBufferChannelBindings = 14

type sspiHelper struct {
	scheme   string
	spn      *uint16
	maxToken uint32
	bindings []byte
	cred     *sspi.Credentials

	ctx *sspi.Context
}

// NewHelper acquires the current user's SSPI credentials for scheme. Tokens
// are bound to cert when it is set.
func NewHelper(scheme, hostname string, cert *x509.Certificate) (Helper, error) {
	h := &sspiHelper{scheme: scheme}

	var err error
	switch scheme {
	case SchemeNTLM:
		if ntlm.PackageInfo == nil {
			return nil, errors.Wrap(ErrUnsupported, "NTLM security package unavailable")
		}
		h.maxToken = ntlm.PackageInfo.MaxToken
		h.cred, err = ntlm.AcquireCurrentUserCredentials()
	case SchemeNegotiate:
		var info *sspi.PackageInfo
		if info, err = negotiate.GetPackageInfo(); err != nil {
			return nil, errors.Wrap(err, "negotiate package info")
		}
		h.maxToken = info.MaxToken
		if h.spn, err = syscall.UTF16PtrFromString("HTTP/" + hostname); err != nil {
			return nil, errors.Wrap(err, "service principal name")
		}
		h.cred, err = negotiate.AcquireCurrentUserCredentials()
	default:
		return nil, errors.Wrapf(ErrUnsupported, "scheme %q", scheme)
	}
	if err != nil {
		return nil, errors.Wrap(err, "can not acquire user credentials")
	}

	if data := bindingData(cert); data != nil {
		h.bindings = secChannelBindings(data)
	}
	return h, nil
}

func (h *sspiHelper) Scheme() string {
	return h.scheme
}

func (h *sspiHelper) Step(serverToken []byte) ([]byte, error) {
	if serverToken == nil || h.ctx == nil {
		h.releaseContext()
		h.ctx = sspi.NewClientContext(h.cred, sspi.ISC_REQ_CONNECTION)
	}

	var in []sspi.SecBuffer
	if len(serverToken) > 0 {
		var b sspi.SecBuffer
		b.Set(sspi.SECBUFFER_TOKEN, serverToken)
		in = append(in, b)
	}
	if h.bindings != nil {
		var b sspi.SecBuffer
		b.Set(secBufferChannelBindings, h.bindings)
		in = append(in, b)
	}
	var inDesc *sspi.SecBufferDesc
	if len(in) > 0 {
		inDesc = sspi.NewSecBufferDesc(in)
	}

	token := make([]byte, h.maxToken)
	out := make([]sspi.SecBuffer, 1)
	out[0].Set(sspi.SECBUFFER_TOKEN, token)
	outDesc := sspi.NewSecBufferDesc(out)

	switch ret := h.ctx.Update(h.spn, outDesc, inDesc); ret {
	case sspi.SEC_E_OK, sspi.SEC_I_CONTINUE_NEEDED:
	case sspi.SEC_I_COMPLETE_NEEDED, sspi.SEC_I_COMPLETE_AND_CONTINUE:
		if ret := sspi.CompleteAuthToken(h.ctx.Handle, outDesc); ret != sspi.SEC_E_OK {
			return nil, errors.Wrap(ret, "failed to complete token")
		}
	default:
		return nil, errors.Wrap(ret, "failed to initialize security context")
	}
	return token[:out[0].BufferSize], nil
}

func (h *sspiHelper) releaseContext() {
	if h.ctx != nil && h.ctx.Handle != nil {
		_ = h.ctx.Release()
	}
	h.ctx = nil
}

func (h *sspiHelper) Close() error {
	h.releaseContext()
	return h.cred.Release()
}
