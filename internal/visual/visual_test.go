package visual

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"log"
	gonet "net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/backprop"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/display"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/models"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/net"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

type fixture struct {
	network *net.Network
	symbol  *backprop.Result
	samples []Sample
	batches []net.Batch
}

func newFixture(t *testing.T, size, numSamples int) fixture {
	t.Helper()
	shape := []int{1, 3, size, size}
	g := models.TinyCNN(models.DefaultTinyCNNConfig())
	params, err := models.InitParams(g, map[string][]int{"data": shape}, 11)
	if err != nil {
		t.Fatal(err)
	}
	res, err := backprop.Splice(g, models.TinyCNNLastActivation, backprop.Options{DataShape: shape, Shapes: engine.NewCPU()})
	if err != nil {
		t.Fatal(err)
	}

	f := fixture{network: net.New(g, params, nil), symbol: res}
	for i := 0; i < numSamples; i++ {
		data := tensor.New(3, size, size)
		for j := range data.Data {
			data.Data[j] = float64((j*7+i*13)%255) - 120
		}
		f.samples = append(f.samples, Sample{Data: data, Label: i})
	}
	batch, err := f.samples[0].Data.Clone().Reshape(shape...)
	if err != nil {
		t.Fatal(err)
	}
	f.batches = []net.Batch{{Data: batch}}
	return f
}

// listener counts frames pushed to a loopback display server.
func listener(t *testing.T) (int, *int64) {
	t.Helper()
	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var frames int64
	srv := &display.Server{
		Handler: func(display.Frame) { atomic.AddInt64(&frames, 1) },
		Log:     log.New(io.Discard, "", 0),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*gonet.TCPAddr).Port, &frames
}

func waitFrames(frames *int64, want int64) int64 {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n := atomic.LoadInt64(frames); n >= want {
			// give a stray extra frame the chance to show up
			time.Sleep(50 * time.Millisecond)
			return atomic.LoadInt64(frames)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return atomic.LoadInt64(frames)
}

func listPNGs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestCallbackEndToEnd(t *testing.T) {
	f := newFixture(t, 224, 3)
	port, frames := listener(t)

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.OutputDir = filepath.Join(t.TempDir(), "visual_backprop")
	exitCode := -1
	cfg.Exit = func(code int) { exitCode = code }
	cfg.Log = log.New(io.Discard, "", 0)
	plotter := NewPlotter(cfg)

	cb := plotter.Callback(f.symbol.Graph, f.samples, f.network)
	if err := f.network.Evaluate(context.Background(), f.batches, cb); err != nil {
		t.Fatal(err)
	}

	want := []string{"c_00.png", "c_01.png", "c_02.png", "sbs_00.png", "sbs_01.png", "sbs_02.png"}
	got := listPNGs(t, cfg.OutputDir)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("files = %v, want %v", got, want)
	}
	if n := waitFrames(frames, 1); n != 1 {
		t.Errorf("display received %d frames, want 1", n)
	}
	if exitCode != 1 {
		t.Errorf("exit code = %d, want 1", exitCode)
	}

	file, err := os.Open(filepath.Join(cfg.OutputDir, "c_00.png"))
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	img, err := png.Decode(file)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 3*224 || img.Bounds().Dy() != 224 {
		t.Errorf("composite size = %v, want 672x224", img.Bounds().Size())
	}
}

func TestSendFailureDisablesSending(t *testing.T) {
	f := newFixture(t, 32, 2)

	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*gonet.TCPAddr).Port
	ln.Close()

	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Timeout = 200 * time.Millisecond
	cfg.OutputDir = t.TempDir()
	cfg.SingleShot = false
	cfg.Log = log.New(&logs, "", 0)
	plotter := NewPlotter(cfg)

	cb := plotter.Callback(f.symbol.Graph, f.samples, nil)
	batches := append(f.batches, f.batches...)
	if err := f.network.Evaluate(context.Background(), batches, cb); err != nil {
		t.Fatal(err)
	}

	if plotter.SendEnabled() {
		t.Error("sending should be disabled after a failed push")
	}
	if n := strings.Count(logs.String(), "disabling image rendering"); n != 1 {
		t.Errorf("disable message logged %d times, want 1:\n%s", n, logs.String())
	}
	if got := listPNGs(t, cfg.OutputDir); len(got) != 4 {
		t.Errorf("files = %v, want 4", got)
	}
}

func TestRetryWithBackoffFallsBack(t *testing.T) {
	f := newFixture(t, 16, 1)

	ln, err := gonet.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*gonet.TCPAddr).Port
	ln.Close()

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Timeout = 200 * time.Millisecond
	cfg.SendPolicy = RetryWithBackoff
	cfg.MaxRetries = 2
	cfg.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	cfg.SaveImages = false
	cfg.SingleShot = false
	cfg.OutputDir = filepath.Join(t.TempDir(), "visual_backprop")
	cfg.Log = log.New(io.Discard, "", 0)
	plotter := NewPlotter(cfg)

	if err := plotter.Plot(context.Background(), f.symbol.Graph, f.samples, f.network, nil); err != nil {
		t.Fatal(err)
	}
	if plotter.SendEnabled() {
		t.Error("sending should be disabled once retries are exhausted")
	}

	// the output directory exists even when nothing is saved
	if info, err := os.Stat(cfg.OutputDir); err != nil || !info.IsDir() {
		t.Fatalf("output directory: %v", err)
	}
	if got := listPNGs(t, cfg.OutputDir); len(got) != 0 {
		t.Errorf("saved %v with SaveImages off", got)
	}
}

func TestPlotNeedsMapOutput(t *testing.T) {
	f := newFixture(t, 16, 1)
	cfg := DefaultConfig()
	cfg.Send = false
	cfg.SaveImages = false
	cfg.OutputDir = t.TempDir()
	plotter := NewPlotter(cfg)

	err := plotter.Plot(context.Background(), f.network.Graph, f.samples, f.network, nil)
	if !errors.Is(err, ErrNoMapOutput) {
		t.Errorf("err = %v, want ErrNoMapOutput", err)
	}
}

func TestParseSendPolicy(t *testing.T) {
	for _, p := range []SendPolicy{DisableOnFailure, RetryWithBackoff} {
		got, err := ParseSendPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("ParseSendPolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseSendPolicy("forever"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
