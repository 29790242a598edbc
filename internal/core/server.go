package core

import (
	"context"
	"net"
	"sync"

	"github.com/MaxHTu/tcp-proxy/internal/logging"
)

// Acceptor dispatches one goroutine per connection accepted on
// Listener (spec §2 point 7). It does not create or configure the
// listening socket: the caller binds it, and cmd/proxyd binds a plain
// TCP listener without IP_TRANSPARENT.
type Acceptor struct {
	Listener *net.TCPListener
	Handler  *ConnHandler
	Log      logging.Logger

	wg sync.WaitGroup
}

// Serve accepts connections until ctx is cancelled or the listener
// returns a fatal error. On cancellation it stops accepting, closes the
// client connections of in-flight handlers, and waits for those
// handlers to finish their own cleanup,
// realizing spec §5's "keyboard-interrupt... cancels all connection
// handlers and then awaits their cleanup".
func (a *Acceptor) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	var mu sync.Mutex
	active := make(map[*net.TCPConn]struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.Listener.Close()
			mu.Lock()
			for c := range active {
				c.Close()
			}
			mu.Unlock()
		case <-done:
		}
	}()

	for {
		conn, err := a.Listener.AcceptTCP()
		if err != nil {
			a.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		mu.Lock()
		active[conn] = struct{}{}
		mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer func() { mu.Lock(); delete(active, conn); mu.Unlock() }()
			a.Handler.Handle(conn)
		}()
	}
}
