package proxy

import (
	"context"
	"io"
	"net"
	"net/http/httputil"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Splice copies bytes between client and upstream until both directions are
// done. When the upstream stops sending, upstreamDone is called and the
// client is closed. When the client stops sending, the upstream's write side
// is shut down so it can finish its reply. Canceling ctx closes both.
func Splice(ctx context.Context, client, upstream net.Conn, pool httputil.BufferPool, upstreamDone func()) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = upstream.Close()
			_ = client.Close()
		})
	}

	done := make(chan struct{})
	defer close(done)

	g.Go(func() error {
		_, err := copyBuffer(client, upstream, pool)
		if upstreamDone != nil {
			upstreamDone()
		}
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := copyBuffer(upstream, client, pool)
		if err != nil {
			closeBoth()
			return err
		}
		closeWrite(upstream)
		return nil
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	go func() {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	return g.Wait()
}

func copyBuffer(dst io.Writer, src io.Reader, pool httputil.BufferPool) (int64, error) {
	if pool == nil {
		return io.Copy(dst, src)
	}
	buf := pool.Get()
	defer pool.Put(buf)

	return io.CopyBuffer(dst, src, buf)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			return
		}
	}
	_ = c.Close()
}
