package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"
)

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echoLn.Close()

	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		buf := make([]byte, 1024)
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		_, _ = c.Write(buf[:n])
	}()

	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		target := req.Host
		_ = req.Body.Close()

		dst, err := net.Dial("tcp", target)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.Close()
		}()
		_, _ = io.Copy(c, dst)
	}()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("hello")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("expected %q got %q", string(msg), string(buf))
	}

	_ = upLn.Close()
	wg.Wait()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	}()

	f, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "", "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected error")
	}

	_ = upLn.Close()
	wg.Wait()
}

func TestHTTPProxyDialerBasicAuth(t *testing.T) {
	upLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	gotAuth := make(chan string, 1)
	go func() {
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			return
		}
		gotAuth <- req.Header.Get("Proxy-Authorization")
		_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	}()

	f, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "http", Host: upLn.Addr().String()}, "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := f.DialContext(ctx, "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected error")
	}
	if got := <-gotAuth; got != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected Proxy-Authorization %q", got)
	}
}

func TestNewHTTPProxyDialerInvalid(t *testing.T) {
	if _, err := NewHTTPProxyDialer(Config{}, nil, "", ""); err == nil {
		t.Fatal("expected error for nil url")
	}
	if _, err := NewHTTPProxyDialer(Config{}, &url.URL{Scheme: "socks5", Host: "proxy.example:1080"}, "", ""); err == nil {
		t.Fatal("expected error for socks5 scheme")
	}
}
