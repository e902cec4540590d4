package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between left and right until either
// direction ends, then closes both. Canceling ctx closes both immediately.
//
// End-of-stream and the resulting closed-connection errors are a normal
// finish; any other transport error is returned for logging only.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		defer closeBoth()
		return copyBuffered(left, right)
	})

	g.Go(func() error {
		defer closeBoth()
		return copyBuffered(right, left)
	})

	err := g.Wait()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func copyBuffered(dst io.Writer, src io.Reader) error {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	_, err := io.CopyBuffer(dst, src, *buf)
	return err
}
