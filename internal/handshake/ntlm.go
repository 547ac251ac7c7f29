package handshake

import (
	"context"
	"net/http"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/sso"
)

// NTLM runs the three message NTLM exchange.
type NTLM struct {
	creds   CredentialSource
	timeout time.Duration
}

// NewNTLM returns an NTLM provider taking explicit credentials from creds.
// A timeout of 0 leaves the exchange unbounded.
func NewNTLM(creds CredentialSource, timeout time.Duration) *NTLM {
	return &NTLM{creds: creds, timeout: timeout}
}

type ntlmTokens interface {
	negotiate() ([]byte, error)
	authenticate(challenge []byte) ([]byte, error)
}

type ntlmCredentials struct {
	user, password, domain, workstation string
}

func (c ntlmCredentials) negotiate() ([]byte, error) {
	return ntlmssp.NewNegotiateMessage(c.domain, c.workstation)
}

func (c ntlmCredentials) authenticate(challenge []byte) ([]byte, error) {
	return ntlmssp.ProcessChallenge(challenge, c.user, c.password, c.domain != "")
}

type ntlmHelper struct {
	h sso.Helper
}

func (s ntlmHelper) negotiate() ([]byte, error) {
	return s.h.Step(nil)
}

func (s ntlmHelper) authenticate(challenge []byte) ([]byte, error) {
	return s.h.Step(challenge)
}

func (p *NTLM) tokens(x *Exchange) (ntlmTokens, error) {
	if x.SSO {
		h := x.Conn.SSOHelper()
		if h == nil || h.Scheme() != sso.SchemeNTLM {
			return nil, errors.Wrap(ErrNoCredentials, "no NTLM single sign-on helper")
		}
		return ntlmHelper{h: h}, nil
	}

	c, ok := p.creds.Credentials(x.Host)
	if !ok {
		return nil, errors.Wrapf(ErrNoCredentials, "%s", x.Host.Hostname)
	}
	return ntlmCredentials{user: c.Username, password: c.Password, domain: c.Domain, workstation: c.Workstation}, nil
}

// Handshake sends the negotiate message, reads the server's challenge and
// replays the original request with the authenticate message. The final
// response is returned whatever its status.
func (p *NTLM) Handshake(ctx context.Context, x *Exchange) (*http.Response, error) {
	d := startDeadline(ctx, p.timeout, x.Conn.Done())
	return d.finish(p.handshake(d.ctx, x))
}

func (p *NTLM) handshake(ctx context.Context, x *Exchange) (*http.Response, error) {
	logger := x.logger()
	tr := x.Conn.Transport()

	tokens, err := p.tokens(x)
	if err != nil {
		return nil, err
	}

	x.Conn.SetState(x.Host, connctx.Type1Sent)

	type1, err := tokens.negotiate()
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, errors.Wrap(err, "create NTLM negotiate message")
	}

	resp, err := tr.RoundTrip(newLeg(ctx, x, "NTLM", type1, nil))
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, errors.Wrap(err, "NTLM negotiate request")
	}
	challenge, err := challengeToken(resp, "NTLM")
	drain(resp)
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, err
	}

	x.Conn.SetState(x.Host, connctx.Type2Received)
	logger.Debug("received NTLM challenge")

	type3, err := tokens.authenticate(challenge)
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, errors.Wrap(err, "create NTLM authenticate message")
	}

	resp, err = tr.RoundTrip(newLeg(ctx, x, "NTLM", type3, x.Conn.RequestBody()))
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, errors.Wrap(err, "NTLM authenticate request")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		logger.Warn("NTLM authentication failed, credentials rejected")
	} else {
		x.Conn.SetState(x.Host, connctx.Authenticated)
		logger.WithField("status", resp.StatusCode).Debug("NTLM authentication complete")
	}
	return resp, nil
}
