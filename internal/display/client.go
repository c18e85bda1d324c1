package display

import (
	"context"
	"fmt"
	"image"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultPort is the port display listeners bind by default.
const DefaultPort = 1337

// DefaultTimeout bounds the dial and the write of one frame.
const DefaultTimeout = 2 * time.Second

// Client pushes frames to a display listener.
type Client struct {
	Addr    string
	Timeout time.Duration
	// NewBackOff returns the retry schedule used by SendWithBackoff.
	NewBackOff func() backoff.BackOff
}

// NewClient returns a client for host:port.
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		Addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		Timeout:    timeout,
		NewBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Send opens a connection, writes img as one JSON frame and closes the
// connection. Nothing is read back.
func (c *Client) Send(ctx context.Context, img image.Image) error {
	data, err := NewPayload(img).Marshal()
	if err != nil {
		return err
	}
	return c.send(ctx, data)
}

func (c *Client) send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("could not connect to display server %s: %w", c.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing frame to %s: %w", c.Addr, err)
	}
	return nil
}

// SendWithBackoff is Send retried up to maxRetries times on the client's
// backoff schedule.
func (c *Client) SendWithBackoff(ctx context.Context, img image.Image, maxRetries uint64) error {
	data, err := NewPayload(img).Marshal()
	if err != nil {
		return err
	}
	newBackOff := c.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), maxRetries), ctx)
	return backoff.Retry(func() error {
		return c.send(ctx, data)
	}, b)
}
