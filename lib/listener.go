package lib

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/TheSmallBoat/muxstream/packet"
)

// Listener accepts connections and runs a Server over each of them.
type Listener[M any] struct {
	Codec   packet.Codec[M]
	Config  Config
	Options []Option

	// Handshake turns an accepted connection into the stream the Server
	// runs on, e.g. secure.Server. Nil uses the connection as is.
	Handshake func(conn net.Conn) (ByteStream, error)

	// Handler is called in its own goroutine for every connection. The
	// Server is closed once Handler returns. Nil accepts conversations
	// and drops them.
	Handler func(srv *Server[M])

	once sync.Once
	wg   sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
	lns      map[net.Listener]struct{}
	servers  map[*Server[M]]struct{}
}

func (l *Listener[M]) init() {
	l.once.Do(func() {
		l.lns = make(map[net.Listener]struct{})
		l.servers = make(map[*Server[M]]struct{})
	})
}

// Serve accepts connections on ln until ln is closed or Shutdown is called.
// It returns nil in the latter case.
func (l *Listener[M]) Serve(ln net.Listener) error {
	l.init()

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil
	}
	l.lns[ln] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.lns, ln)
		l.mu.Unlock()
	}()

	log := newOptions(l.Options).logger

	for {
		conn, err := ln.Accept()

		l.mu.Lock()
		shutdown := l.shutdown
		if !shutdown && err == nil {
			l.wg.Add(1)
		}
		l.mu.Unlock()

		if err != nil {
			if shutdown || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if shutdown {
			_ = conn.Close()
			return nil
		}

		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("accepted connection")

		go func() {
			defer l.wg.Done()
			l.serveConn(conn)
		}()
	}
}

func (l *Listener[M]) serveConn(conn net.Conn) {
	log := newOptions(l.Options).logger

	var stream ByteStream = conn
	if l.Handshake != nil {
		var err error
		stream, err = l.Handshake(conn)
		if err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
			_ = conn.Close()
			return
		}
	}

	srv := NewServer(stream, l.Codec, l.Config, l.Options...)

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		_ = srv.Close()
		return
	}
	l.servers[srv] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.servers, srv)
		l.mu.Unlock()

		if err := srv.Close(); err != nil {
			log.Debug().Err(err).Msg("connection ended with an error")
		}
	}()

	handler := l.Handler
	if handler == nil {
		handler = drop[M]
	}
	handler(srv)
}

func drop[M any](srv *Server[M]) {
	for {
		msg, err := srv.Receive(context.Background())
		if err != nil {
			return
		}
		switch msg.Kind {
		case MessageRequestReceiver:
			msg.Sender.Close()
		case MessageRequestSender:
			msg.Receiver.Close()
		}
	}
}

// Shutdown stops every Serve call, closes all live connections and waits for
// their handlers to return.
func (l *Listener[M]) Shutdown() {
	l.init()

	l.mu.Lock()
	l.shutdown = true
	lns := make([]net.Listener, 0, len(l.lns))
	for ln := range l.lns {
		lns = append(lns, ln)
	}
	servers := make([]*Server[M], 0, len(l.servers))
	for srv := range l.servers {
		servers = append(servers, srv)
	}
	l.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}

	var wg sync.WaitGroup
	wg.Add(len(servers))
	for _, srv := range servers {
		go func(srv *Server[M]) {
			defer wg.Done()
			_ = srv.Close()
		}(srv)
	}
	wg.Wait()

	l.wg.Wait()
}
