package handshake

import (
	"context"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/sso"
)

// maxNegotiateLegs bounds the number of requests in one Negotiate exchange.
const maxNegotiateLegs = 4

// Negotiate runs a SPNEGO exchange using the connection's single sign-on
// helper.
type Negotiate struct {
	timeout time.Duration
}

func NewNegotiate(timeout time.Duration) *Negotiate {
	return &Negotiate{timeout: timeout}
}

func (p *Negotiate) Handshake(ctx context.Context, x *Exchange) (*http.Response, error) {
	d := startDeadline(ctx, p.timeout, x.Conn.Done())
	return d.finish(p.handshake(d.ctx, x))
}

func (p *Negotiate) handshake(ctx context.Context, x *Exchange) (*http.Response, error) {
	logger := x.logger()
	tr := x.Conn.Transport()

	h := x.Conn.SSOHelper()
	if h == nil || h.Scheme() != sso.SchemeNegotiate {
		return nil, errors.Wrap(ErrNoCredentials, "no Negotiate single sign-on helper")
	}

	x.Conn.SetState(x.Host, connctx.Type1Sent)

	token, err := h.Step(nil)
	if err != nil {
		x.Conn.SetState(x.Host, connctx.NotAuthenticated)
		return nil, errors.Wrap(err, "create Negotiate token")
	}

	body := x.Conn.RequestBody()
	for leg := 1; ; leg++ {
		resp, err := tr.RoundTrip(newLeg(ctx, x, "Negotiate", token, body))
		if err != nil {
			x.Conn.SetState(x.Host, connctx.NotAuthenticated)
			return nil, errors.Wrapf(err, "Negotiate request leg %d", leg)
		}

		if resp.StatusCode != http.StatusUnauthorized {
			x.Conn.SetState(x.Host, connctx.Authenticated)
			logger.WithFields(log.Fields{"status": resp.StatusCode, "legs": leg}).Debug("Negotiate authentication complete")
			return resp, nil
		}

		serverToken, err := challengeToken(resp, "Negotiate")
		if err != nil || leg == maxNegotiateLegs {
			x.Conn.SetState(x.Host, connctx.NotAuthenticated)
			logger.WithField("legs", leg).Warn("Negotiate authentication failed")
			return resp, nil
		}

		x.Conn.SetState(x.Host, connctx.Type2Received)

		next, err := h.Step(serverToken)
		if err != nil || len(next) == 0 {
			x.Conn.SetState(x.Host, connctx.NotAuthenticated)
			if err != nil {
				logger.WithError(err).Warn("Negotiate authentication failed")
			}
			return resp, nil
		}

		drain(resp)
		token = next
	}
}
