package display

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// DefaultMaxFrame caps the bytes read from one connection.
const DefaultMaxFrame = 64 << 20

// Frame is a decoded image received by a Server.
type Frame struct {
	Remote string
	Image  image.Image
}

// Server accepts frames pushed by Clients.
type Server struct {
	// Handler is called for every decoded frame. Calls may be concurrent.
	Handler func(Frame)
	// ReadTimeout bounds reading one connection; zero means DefaultTimeout.
	ReadTimeout time.Duration
	// MaxFrame caps the bytes read per connection; zero means DefaultMaxFrame.
	MaxFrame int64
	Log      *log.Logger
}

func (s *Server) logf(format string, args ...any) {
	if s.Log != nil {
		s.Log.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits
// for open connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting display connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.handle(conn); err != nil {
				s.logf("display: %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handle(conn net.Conn) error {
	defer conn.Close()

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxFrame := s.MaxFrame
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	conn.SetReadDeadline(time.Now().Add(timeout))

	data, err := io.ReadAll(io.LimitReader(conn, maxFrame+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > maxFrame {
		return fmt.Errorf("%w: frame larger than %d bytes", ErrBadPayload, maxFrame)
	}
	p, err := ParsePayload(data)
	if err != nil {
		return err
	}
	img, err := p.Decode()
	if err != nil {
		return err
	}
	if s.Handler != nil {
		s.Handler(Frame{Remote: conn.RemoteAddr().String(), Image: img})
	}
	return nil
}
