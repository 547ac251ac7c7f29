package handshake

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/die-net/ntlmconduit/internal/config"
	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/target"
)

var (
	// ErrNoChallenge is returned when the server does not answer a leg with
	// the expected challenge.
	ErrNoChallenge = errors.New("server sent no challenge")
	// ErrNoCredentials is returned when neither single sign-on nor explicit
	// credentials are available for the host.
	ErrNoCredentials = errors.New("no credentials for host")
)

// maxDrain bounds how much of an intermediate response body is read to keep
// its connection reusable.
const maxDrain = 1 << 20

// Exchange is one handshake request.
type Exchange struct {
	// Request is the original outbound request. Its body has been consumed;
	// the Conn's buffered copy is replayed instead.
	Request *http.Request
	Host    target.Host
	Conn    *connctx.Context
	// SSO selects the Conn's single sign-on helper over explicit credentials.
	SSO bool
}

// Provider runs one authentication protocol.
type Provider interface {
	Handshake(ctx context.Context, x *Exchange) (*http.Response, error)
}

// CredentialSource looks up explicit NTLM credentials.
type CredentialSource interface {
	Credentials(h target.Host) (config.Credentials, bool)
}

func (x *Exchange) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"id":     x.Conn.ID(),
		"client": x.Conn.ClientAddress(),
		"target": x.Host.Href,
	})
}

// AcceptsNTLM reports whether resp offers the NTLM scheme.
func AcceptsNTLM(resp *http.Response) bool {
	_, ok := findChallenge(resp, "NTLM")
	return ok
}

// AcceptsNegotiate reports whether resp offers the Negotiate scheme.
func AcceptsNegotiate(resp *http.Response) bool {
	_, ok := findChallenge(resp, "Negotiate")
	return ok
}

// findChallenge returns the parameter following scheme in any of resp's
// WWW-Authenticate challenges.
func findChallenge(resp *http.Response, scheme string) (string, bool) {
	if resp == nil {
		return "", false
	}
	for _, v := range resp.Header.Values("Www-Authenticate") {
		for _, c := range strings.Split(v, ",") {
			fields := strings.Fields(c)
			if len(fields) == 0 || !strings.EqualFold(fields[0], scheme) {
				continue
			}
			if len(fields) > 1 {
				return fields[1], true
			}
			return "", true
		}
	}
	return "", false
}

// challengeToken decodes the scheme token carried by resp.
func challengeToken(resp *http.Response, scheme string) ([]byte, error) {
	param, ok := findChallenge(resp, scheme)
	if !ok || param == "" {
		return nil, errors.Wrapf(ErrNoChallenge, "%s, status %d", scheme, resp.StatusCode)
	}
	token, err := base64.StdEncoding.DecodeString(param)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s challenge", scheme)
	}
	return token, nil
}

// newLeg builds one handshake request from the original. A nil body sends an
// empty body.
func newLeg(ctx context.Context, x *Exchange, scheme string, token, body []byte) *http.Request {
	req := x.Request.Clone(ctx)
	req.RequestURI = ""
	req.Close = false
	req.TransferEncoding = nil
	req.Header.Set("Authorization", scheme+" "+base64.StdEncoding.EncodeToString(token))

	if len(body) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		req.ContentLength = 0
		return req
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return req
}

// drain discards what remains of an intermediate response.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}

// deadline cancels the handshake legs if the exchange is not done within
// timeout or the connection context is destroyed first. The final response
// body stays readable once finish is called.
type deadline struct {
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

func startDeadline(ctx context.Context, timeout time.Duration, destroyed <-chan struct{}) *deadline {
	d := &deadline{}
	d.ctx, d.cancel = context.WithCancel(ctx)
	if timeout > 0 {
		d.timer = time.AfterFunc(timeout, d.cancel)
	}
	if destroyed != nil {
		go func() {
			select {
			case <-destroyed:
				d.cancel()
			case <-d.ctx.Done():
			}
		}()
	}
	return d
}

// finish hands resp to the caller, releasing the context when its body is
// closed. On error everything is released immediately.
func (d *deadline) finish(resp *http.Response, err error) (*http.Response, error) {
	if d.timer != nil {
		d.timer.Stop()
	}
	if err != nil || resp == nil {
		d.cancel()
		if err == nil {
			err = errors.New("no response")
		}
		if errors.Is(err, context.Canceled) && d.ctx.Err() != nil {
			err = errors.Wrap(err, "handshake timed out or was canceled")
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: d.cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
