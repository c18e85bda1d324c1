package net

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// ErrStopEvaluation may be returned by a callback to end evaluation early
// without reporting an error.
var ErrStopEvaluation = errors.New("net: stop evaluation")

// Batch is one evaluation input.
type Batch struct {
	Data *tensor.Tensor
	// Label is optional.
	Label *tensor.Tensor
}

// BatchEndParams describes a finished batch.
type BatchEndParams struct {
	Network *Network
	Batch   Batch
	Outputs []*tensor.Tensor
}

// Callback defines the interface for evaluation callbacks.
type Callback interface {
	OnEvalBegin(n *Network)
	OnEvalEnd(n *Network)
	OnBatchBegin(batch int, n *Network)
	OnBatchEnd(batch int, p BatchEndParams) error
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnEvalBegin(n *Network)                       {}
func (c BaseCallback) OnEvalEnd(n *Network)                         {}
func (c BaseCallback) OnBatchBegin(batch int, n *Network)           {}
func (c BaseCallback) OnBatchEnd(batch int, p BatchEndParams) error { return nil }

// Evaluate runs every batch forward and hands the outputs to the callbacks.
// The first callback error stops evaluation; ErrStopEvaluation stops it
// quietly.
func (n *Network) Evaluate(ctx context.Context, batches []Batch, callbacks ...Callback) error {
	for _, c := range callbacks {
		c.OnEvalBegin(n)
	}
	defer func() {
		for _, c := range callbacks {
			c.OnEvalEnd(n)
		}
	}()

	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, c := range callbacks {
			c.OnBatchBegin(i, n)
		}
		outs, err := n.Forward(ctx, b.Data)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		p := BatchEndParams{Network: n, Batch: b, Outputs: outs}
		for _, c := range callbacks {
			if err := c.OnBatchEnd(i, p); err != nil {
				if errors.Is(err, ErrStopEvaluation) {
					return nil
				}
				return fmt.Errorf("batch %d: %w", i, err)
			}
		}
	}
	return nil
}

// TopClass returns the most likely class and its score for the first
// sample of the first output.
func TopClass(p BatchEndParams) (class int, score float64, ok bool) {
	if len(p.Outputs) == 0 || p.Outputs[0] == nil || p.Outputs[0].Size() == 0 {
		return 0, 0, false
	}
	out := p.Outputs[0]
	row := out.Data[:out.Size()/out.Shape[0]]
	class = tensor.Argmax(row)
	return class, row[class], true
}

// Logger logs evaluation progress.
type Logger struct {
	BaseCallback
	Interval int
	Log      *log.Logger
}

func (c Logger) OnBatchEnd(batch int, p BatchEndParams) error {
	if c.Interval <= 0 || batch%c.Interval != 0 {
		return nil
	}
	logger := c.Log
	if logger == nil {
		logger = log.Default()
	}
	if class, score, ok := TopClass(p); ok {
		logger.Printf("Batch %d: class = %d (%.4f)", batch, class, score)
	} else {
		logger.Printf("Batch %d: no outputs", batch)
	}
	return nil
}
