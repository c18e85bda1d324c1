package display

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 80), G: uint8(y * 100), B: 7, A: 255})
		}
	}
	return img
}

func sameImage(t *testing.T, got, want image.Image) {
	t.Helper()
	if got.Bounds().Size() != want.Bounds().Size() {
		t.Fatalf("size = %v, want %v", got.Bounds().Size(), want.Bounds().Size())
	}
	for y := 0; y < want.Bounds().Dy(); y++ {
		for x := 0; x < want.Bounds().Dx(); x++ {
			g := color.NRGBAModel.Convert(got.At(x, y))
			w := color.NRGBAModel.Convert(want.At(x, y))
			if g != w {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, g, w)
			}
		}
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	img := testImage()
	p := NewPayload(img)
	if p.Width != 3 || p.Height != 2 || p.Channels != 4 {
		t.Fatalf("payload header = %dx%dx%d", p.Width, p.Height, p.Channels)
	}

	data, err := p.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"width":3`, `"height":2`, `"channels":4`, `"image":"`} {
		if !bytes.Contains(data, []byte(key)) {
			t.Errorf("payload %s is missing %s", data, key)
		}
	}

	parsed, err := ParsePayload(data)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := parsed.Decode()
	if err != nil {
		t.Fatal(err)
	}
	sameImage(t, decoded, img)
}

func TestDecodeThreeChannels(t *testing.T) {
	p := Payload{Width: 1, Height: 1, Channels: 3, Image: "AQID"} // bytes 1, 2, 3
	img, err := p.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got := color.NRGBAModel.Convert(img.At(0, 0)); got != (color.NRGBA{R: 1, G: 2, B: 3, A: 255}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
	}{
		{"zero size", Payload{Width: 0, Height: 1, Channels: 1, Image: "AA=="}},
		{"bad base64", Payload{Width: 1, Height: 1, Channels: 1, Image: "!!"}},
		{"short pixels", Payload{Width: 2, Height: 1, Channels: 1, Image: "AA=="}},
		{"two channels", Payload{Width: 1, Height: 1, Channels: 2, Image: "AAA="}},
		{"negative channels", Payload{Width: 1, Height: 1, Channels: -1, Image: "AA=="}},
		{"overflowing size", Payload{Width: 1 << 62, Height: 4, Channels: 1, Image: ""}},
		{"overflowing rgba size", Payload{Width: 1 << 61, Height: 2, Channels: 4, Image: ""}},
	}
	for _, tt := range tests {
		if _, err := tt.p.Decode(); !errors.Is(err, ErrBadPayload) {
			t.Errorf("%s: err = %v, want ErrBadPayload", tt.name, err)
		}
	}
	if _, err := ParsePayload([]byte("{")); !errors.Is(err, ErrBadPayload) {
		t.Errorf("err = %v, want ErrBadPayload", err)
	}
}

// startServer serves on a loopback port and returns the port and the
// channel frames arrive on.
func startServer(t *testing.T) (int, <-chan Frame) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	frames := make(chan Frame, 4)
	srv := &Server{
		Handler: func(f Frame) { frames <- f },
		Log:     log.New(io.Discard, "", 0),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return ln.Addr().(*net.TCPAddr).Port, frames
}

func receive(t *testing.T, frames <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no frame received")
	}
	return Frame{}
}

func TestClientServer(t *testing.T) {
	port, frames := startServer(t)
	client := NewClient("127.0.0.1", port, time.Second)

	img := testImage()
	if err := client.Send(context.Background(), img); err != nil {
		t.Fatal(err)
	}
	sameImage(t, receive(t, frames).Image, img)
}

func TestServerDropsMalformedFrames(t *testing.T) {
	port, frames := startServer(t)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte(`{"width": 1`))
	conn.Close()

	// a valid frame after the bad one still arrives, and it is the only one
	client := NewClient("127.0.0.1", port, time.Second)
	if err := client.Send(context.Background(), testImage()); err != nil {
		t.Fatal(err)
	}
	f := receive(t, frames)
	if f.Image.Bounds().Dx() != 3 {
		t.Errorf("unexpected frame %v", f.Image.Bounds())
	}
	select {
	case f := <-frames:
		t.Errorf("malformed frame was delivered: %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSendFailsWithoutListener(t *testing.T) {
	client := NewClient("127.0.0.1", closedPort(t), 200*time.Millisecond)
	if err := client.Send(context.Background(), testImage()); err == nil {
		t.Error("expected a connection error")
	}
}

func TestSendWithBackoff(t *testing.T) {
	client := NewClient("127.0.0.1", closedPort(t), 200*time.Millisecond)
	attempts := 0
	client.NewBackOff = func() backoff.BackOff {
		attempts++
		return backoff.NewConstantBackOff(time.Millisecond)
	}
	if err := client.SendWithBackoff(context.Background(), testImage(), 2); err == nil {
		t.Error("expected an error after retries")
	}
	if attempts != 1 {
		t.Errorf("backoff created %d times, want 1", attempts)
	}

	port, frames := startServer(t)
	client.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	if err := client.SendWithBackoff(context.Background(), testImage(), 2); err != nil {
		t.Fatal(err)
	}
	receive(t, frames)
}
