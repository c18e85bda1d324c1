// Package visual renders VisualBackprop maps during evaluation: it saves the
// input next to its map as PNG files and pushes the first comparison to a
// display listener.
package visual

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/display"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/imgproc"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/net"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// ErrNoMapOutput is returned when the bound symbol has no second head.
var ErrNoMapOutput = errors.New("visual: symbol has no back-projection output")

// SendPolicy decides what happens when a frame cannot be pushed.
type SendPolicy int

const (
	// DisableOnFailure stops sending after the first failed push.
	DisableOnFailure SendPolicy = iota
	// RetryWithBackoff retries a push with exponential backoff before
	// falling back to DisableOnFailure.
	RetryWithBackoff
)

func (p SendPolicy) String() string {
	switch p {
	case DisableOnFailure:
		return "disable"
	case RetryWithBackoff:
		return "backoff"
	}
	return fmt.Sprintf("SendPolicy(%d)", int(p))
}

// ParseSendPolicy parses "disable" or "backoff".
func ParseSendPolicy(s string) (SendPolicy, error) {
	switch s {
	case "disable":
		return DisableOnFailure, nil
	case "backoff":
		return RetryWithBackoff, nil
	}
	return 0, fmt.Errorf("visual: unknown send policy %q", s)
}

// Config configures a Plotter.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// Send enables pushing frames to the display listener.
	Send       bool
	SendPolicy SendPolicy
	MaxRetries uint64
	// NewBackOff overrides the retry schedule of RetryWithBackoff.
	NewBackOff func() backoff.BackOff

	OutputDir  string
	SaveImages bool
	// SingleShot calls Exit(1) after the first callback.
	SingleShot bool
	Exit       func(code int)

	Mean       [3]float64
	SwapBGR    bool
	BlendAlpha float64

	Log *log.Logger
}

// DefaultConfig returns the default plotter configuration.
func DefaultConfig() Config {
	return Config{
		Host:       "127.0.0.1",
		Port:       display.DefaultPort,
		Timeout:    display.DefaultTimeout,
		Send:       true,
		SendPolicy: DisableOnFailure,
		MaxRetries: 3,
		OutputDir:  "visual_backprop",
		SaveImages: true,
		SingleShot: true,
		Exit:       os.Exit,
		Mean:       imgproc.ImageNetMean,
		BlendAlpha: 0.8,
	}
}

// Plotter renders back-projection maps for a fixed set of samples.
type Plotter struct {
	cfg    Config
	client *display.Client
	send   bool
}

// NewPlotter creates a plotter.
func NewPlotter(cfg Config) *Plotter {
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.Log == nil {
		cfg.Log = log.Default()
	}
	client := display.NewClient(cfg.Host, cfg.Port, cfg.Timeout)
	if cfg.NewBackOff != nil {
		client.NewBackOff = cfg.NewBackOff
	}
	return &Plotter{cfg: cfg, client: client, send: cfg.Send}
}

// SendEnabled reports whether frames are still pushed.
func (p *Plotter) SendEnabled() bool {
	return p.send
}

// Sample is one input, shaped (3, H, W) or (1, 3, H, W).
type Sample struct {
	Data  *tensor.Tensor
	Label int
}

// ParamSource provides the current model parameters.
type ParamSource interface {
	Snapshot() map[string]*tensor.Tensor
}

// Callback returns an evaluation callback that plots samples through
// symbol, a graph whose second head is the normalized map (see
// backprop.Splice). A nil params uses the evaluated network's parameters.
func (p *Plotter) Callback(symbol *graph.Graph, samples []Sample, params ParamSource) net.Callback {
	return &callback{plotter: p, symbol: symbol, samples: samples, params: params}
}

type callback struct {
	net.BaseCallback
	plotter *Plotter
	symbol  *graph.Graph
	samples []Sample
	params  ParamSource
}

func (c *callback) OnBatchEnd(batch int, bp net.BatchEndParams) error {
	params := c.params
	var backend engine.Backend
	if bp.Network != nil {
		backend = bp.Network.Backend
		if params == nil {
			params = bp.Network
		}
	}
	if params == nil {
		return fmt.Errorf("visual: no parameter source")
	}

	if err := c.plotter.Plot(context.Background(), c.symbol, c.samples, params, backend); err != nil {
		return err
	}
	if c.plotter.cfg.SingleShot {
		c.plotter.cfg.Exit(1)
		return net.ErrStopEvaluation
	}
	return nil
}

// Plot renders every sample. Files are named by sample index; only sample 0
// is pushed to the display.
func (p *Plotter) Plot(ctx context.Context, symbol *graph.Graph, samples []Sample, params ParamSource, backend engine.Backend) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0755); err != nil {
		return err
	}
	for i, s := range samples {
		sbs, composite, err := p.render(ctx, symbol, s, params, backend)
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}

		if p.cfg.SaveImages {
			if err := imgproc.SavePNG(filepath.Join(p.cfg.OutputDir, fmt.Sprintf("sbs_%02d.png", i)), sbs); err != nil {
				return err
			}
			if err := imgproc.SavePNG(filepath.Join(p.cfg.OutputDir, fmt.Sprintf("c_%02d.png", i)), composite); err != nil {
				return err
			}
		}

		if i == 0 && p.send {
			p.push(ctx, sbs)
		}
	}
	return nil
}

// render runs one sample and returns the input|map image and the
// input|map|blend image.
func (p *Plotter) render(ctx context.Context, symbol *graph.Graph, s Sample, params ParamSource, backend engine.Backend) (image.Image, image.Image, error) {
	data := s.Data
	if len(data.Shape) == 3 {
		var err error
		if data, err = data.Reshape(append([]int{1}, data.Shape...)...); err != nil {
			return nil, nil, err
		}
	}

	// a fresh single example executor with the current parameters
	exec, err := net.New(symbol, params.Snapshot(), backend).Bind(data.Shape)
	if err != nil {
		return nil, nil, err
	}
	outs, err := exec.Forward(ctx, data)
	if err != nil {
		return nil, nil, err
	}
	if len(outs) < 2 {
		return nil, nil, ErrNoMapOutput
	}

	input, err := imgproc.FromTensor(data, p.cfg.Mean, p.cfg.SwapBGR)
	if err != nil {
		return nil, nil, err
	}
	vis, err := imgproc.FromMap(outs[1])
	if err != nil {
		return nil, nil, err
	}
	if vis.Bounds().Size() != input.Bounds().Size() {
		vis = imgproc.Resize(vis, input.Bounds().Dy(), input.Bounds().Dx())
	}
	blend, err := imgproc.Blend(input, vis, p.cfg.BlendAlpha)
	if err != nil {
		return nil, nil, err
	}
	return imgproc.SideBySide(input, vis), imgproc.SideBySide(input, vis, blend), nil
}

func (p *Plotter) push(ctx context.Context, img image.Image) {
	var err error
	switch p.cfg.SendPolicy {
	case RetryWithBackoff:
		err = p.client.SendWithBackoff(ctx, img, p.cfg.MaxRetries)
	default:
		err = p.client.Send(ctx, img)
	}
	if err != nil {
		p.cfg.Log.Printf("%v", err)
		p.cfg.Log.Printf("could not connect to display server, disabling image rendering")
		p.send = false
	}
}
