package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/ntlmconduit/internal/config"
	"github.com/die-net/ntlmconduit/internal/connctx"
	"github.com/die-net/ntlmconduit/internal/controlapi"
	"github.com/die-net/ntlmconduit/internal/dialer"
	"github.com/die-net/ntlmconduit/internal/handshake"
	"github.com/die-net/ntlmconduit/internal/proxy"
	"github.com/die-net/ntlmconduit/internal/sso"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listen        = pflag.String("listen", "127.0.0.1:8012", "HTTP proxy listen address")
		controlListen = pflag.String("control-listen", "127.0.0.1:0", "Control API listen address. Empty disables.")
		debugListen   = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
		configPath    = pflag.String("config", "", "YAML file listing NTLM and single sign-on hosts. Empty starts with no hosts.")

		httpUpstream  = pflag.String("http-upstream", envDefault("HTTP_PROXY"), "Upstream proxy for http targets: http://[user:pass@]host:port | socks5://[user:pass@]host:port. Empty connects directly.")
		httpsUpstream = pflag.String("https-upstream", envDefault("HTTPS_PROXY"), "Upstream proxy for https targets and CONNECT tunnels. Empty connects directly.")
		noProxy       = pflag.StringSlice("no-proxy", splitList(envDefault("NO_PROXY")), "Hosts reached directly, bypassing upstream proxies (e.g. *.corp.example,10.0.0.0/8)")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
		httpIdleTimeout    = pflag.Duration("http-idle-timeout", 4*time.Minute, "Timeout for idle HTTP proxy connections")
		handshakeTimeout   = pflag.Duration("handshake-timeout", 2*time.Minute, "Timeout for a complete NTLM or Negotiate handshake")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		caCert           = pflag.String("ca-cert", "", "PEM certificate used to sign intercepted TLS connections. Empty uses a built-in CA.")
		caKey            = pflag.String("ca-key", "", "PEM private key for --ca-cert")
		insecureUpstream = pflag.Bool("insecure-upstream", false, "Skip verification of upstream server certificates")
		verbose          = pflag.Bool("verbose", false, "Enable debug logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	log.SetHandler(cli.New(os.Stderr))
	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return errors.Wrap(err, "invalid --tcp-keepalive")
	}

	file := config.File{}
	if *configPath != "" {
		file, err = config.Load(*configPath)
		if err != nil {
			return errors.Wrap(err, "invalid --config")
		}
	}
	store := config.NewStore(file)

	dialCfg := dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}
	upstreams, err := dialer.NewUpstreams(dialCfg, *httpUpstream, *httpsUpstream, *noProxy)
	if err != nil {
		return errors.Wrap(err, "invalid upstream")
	}

	ca, err := loadCA(*caCert, *caKey)
	if err != nil {
		return err
	}

	pinned, untracked := proxy.TransportFactories(upstreams, dialer.NewDirectDialer(dialCfg), proxy.TransportOptions{
		IdleConnTimeout:     *httpIdleTimeout,
		TLSHandshakeTimeout: *negotiationTimeout,
		InsecureSkipVerify:  *insecureUpstream,
	})
	contexts := connctx.NewManager(pinned, untracked)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lc := net.ListenConfig{KeepAliveConfig: ka}

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return errors.Wrap(err, "debug listen")
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return errors.Wrap(err, "debug serve")
			}
			return nil
		})
		log.Infof("debug listening on %s", debugLn.Addr())
	}

	if *controlListen != "" {
		ln, err := lc.Listen(ctx, "tcp", *controlListen)
		if err != nil {
			return errors.Wrap(err, "control listen")
		}
		srv := controlapi.NewServer(ctx, store, contexts)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})
		store.SetControlPlaneBaseURL("http://" + ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return errors.Wrap(err, "control api serve")
			}
			return nil
		})
		log.Infof("control api listening on %s", ln.Addr())
	}

	ln, err := proxy.ListenTCP("tcp", *listen, ka, contexts.SocketClosed)
	if err != nil {
		return errors.Wrap(err, "http listen")
	}
	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "http listen")
	}

	srv := proxy.NewHTTPProxyServer(ctx, proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		HTTPIdleTimeout:    *httpIdleTimeout,
		KeepAlive:          ka,
		Hosts:              store,
		Upstreams:          upstreams,
		Contexts:           contexts,
		NTLM:               handshake.NewNTLM(store, *handshakeTimeout),
		Negotiate:          handshake.NewNegotiate(*handshakeTimeout),
		NewSSOHelper:       sso.NewHelper,
		CA:                 ca,
		ListenPort:         port,
	})
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
		_ = contexts.Close()
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil {
			return errors.Wrap(err, "http proxy serve")
		}
		return nil
	})
	log.Infof("http proxy listening on %s", ln.Addr())

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

func loadCA(certFile, keyFile string) (*tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("--ca-cert and --ca-key must be set together")
	}
	ca, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load CA")
	}
	return &ca, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, "keepidle")
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, "keepintvl")
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, errors.Wrap(err, "keepcnt")
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// envDefault returns the named environment variable, falling back to its
// lower-case form.
func envDefault(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
