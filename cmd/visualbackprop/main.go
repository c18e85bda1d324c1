// Command visualbackprop renders VisualBackprop maps for a trained network:
// it splices the back-projection chain onto the model, evaluates a set of
// images and writes input|map comparisons to disk and to a display listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/backprop"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/imgproc"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/net"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/visual"
)

func main() {
	cfg := visual.DefaultConfig()

	symbolFile := flag.String("symbol", "model-symbol.json", "network symbol JSON")
	paramsFile := flag.String("params", "model.params", "network parameters")
	layerName := flag.String("layer", "", "activation layer to project back from (default: last Activation)")
	inputName := flag.String("input-name", backprop.DefaultInputName, "node where the backward walk stops")
	images := flag.String("images", "", "comma separated image files")
	manifest := flag.String("manifest", "", "CSV manifest of path[,label] rows (with header)")
	size := flag.Int("size", 224, "input height and width")
	policy := flag.String("send-policy", cfg.SendPolicy.String(), "display failure policy: disable or backoff")
	noSend := flag.Bool("no-send", false, "do not push frames to the display listener")
	noSave := flag.Bool("no-save", false, "do not write PNG files")
	csvLog := flag.String("csv", "", "write per batch predictions to this CSV file")

	flag.StringVar(&cfg.Host, "host", cfg.Host, "display listener host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "display listener port")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "display connect and write timeout")
	flag.Uint64Var(&cfg.MaxRetries, "retries", cfg.MaxRetries, "send attempts for the backoff policy")
	flag.StringVar(&cfg.OutputDir, "out", cfg.OutputDir, "PNG output directory")
	flag.BoolVar(&cfg.SingleShot, "single-shot", cfg.SingleShot, "exit after the first visualization")
	flag.BoolVar(&cfg.SwapBGR, "swap-bgr", cfg.SwapBGR, "inputs are stored in BGR order")
	flag.Float64Var(&cfg.BlendAlpha, "alpha", cfg.BlendAlpha, "weight of the map in the blended image")
	flag.Parse()

	var err error
	if cfg.SendPolicy, err = visual.ParseSendPolicy(*policy); err != nil {
		log.Fatal(err)
	}
	cfg.Send = !*noSend
	cfg.SaveImages = !*noSave

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, options{
		symbolFile: *symbolFile,
		paramsFile: *paramsFile,
		layer:      *layerName,
		inputName:  *inputName,
		images:     *images,
		manifest:   *manifest,
		size:       *size,
		csvLog:     *csvLog,
	}); err != nil {
		log.Fatal(err)
	}
}

type options struct {
	symbolFile, paramsFile string
	layer, inputName       string
	images, manifest       string
	size                   int
	csvLog                 string
}

func run(ctx context.Context, cfg visual.Config, opts options) error {
	start := time.Now()
	model, err := net.Load(opts.symbolFile, opts.paramsFile)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %s: %d nodes, %d parameters\n", opts.symbolFile, len(model.Graph.Nodes), len(model.Params))

	layer := opts.layer
	if layer == "" {
		var ok bool
		if layer, ok = backprop.LastActivation(model.Graph); !ok {
			return fmt.Errorf("%s has no Activation layer: %w", opts.symbolFile, backprop.ErrNotActivation)
		}
	}

	dataShape := []int{1, 3, opts.size, opts.size}
	res, err := backprop.Splice(model.Graph, layer, backprop.Options{
		InputName: opts.inputName,
		DataShape: dataShape,
		Shapes:    model.Backend,
	})
	if err != nil {
		if errors.Is(err, backprop.ErrNotActivation) {
			return fmt.Errorf("layer %s: %w", layer, err)
		}
		return err
	}
	fmt.Printf("Projecting back from %s through %d layers:\n", layer, len(res.Steps))
	for _, s := range res.Steps {
		fmt.Printf("  %-24s %-14s kernel=%v stride=%v pad=%v adj=%v\n", s.Name, s.Op, s.Kernel, s.Stride, s.Pad, s.Adj)
	}

	paths, err := samplePaths(opts)
	if err != nil {
		return err
	}
	var samples []visual.Sample
	var batches []net.Batch
	for i, p := range paths {
		img, err := imgproc.Load(p, opts.size, opts.size)
		if err != nil {
			return err
		}
		data := imgproc.ToTensor(img, cfg.Mean, cfg.SwapBGR)
		samples = append(samples, visual.Sample{Data: data, Label: i})
		batches = append(batches, net.Batch{Data: data})
	}

	callbacks := []net.Callback{
		net.Logger{Interval: 1},
		visual.NewPlotter(cfg).Callback(res.Graph, samples, model),
	}
	if opts.csvLog != "" {
		callbacks = append([]net.Callback{net.NewCSVLogger(opts.csvLog, false)}, callbacks...)
	}

	if err := model.Evaluate(ctx, batches, callbacks...); err != nil {
		return err
	}
	fmt.Printf("Done in %.2fs, images in %s\n", time.Since(start).Seconds(), cfg.OutputDir)
	return nil
}

func samplePaths(opts options) ([]string, error) {
	var paths []string
	if opts.manifest != "" {
		entries, err := net.LoadManifest(opts.manifest, true)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			paths = append(paths, e.Path)
		}
	}
	for _, p := range strings.Split(opts.images, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no input images: use -images or -manifest")
	}
	return paths, nil
}
