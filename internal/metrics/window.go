// Package metrics aggregates per-step training measurements into loggable
// snapshots.
package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates step measurements until the next Snapshot.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	losses  []float64
	weights []float64
	correct int
}

// Record adds one step. dataTime is spent preparing the batch and
// computeTime running it.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64, correct int) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
	w.weights = append(w.weights, float64(batchSize))
	w.correct += correct
}

// Steps returns the number of steps recorded since the last snapshot.
func (w *Window) Steps() int {
	return len(w.losses)
}

// Snapshot returns the aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: len(w.losses), Samples: w.samples}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if n := len(w.losses); n > 0 {
		snap.AvgDataMS = w.data.Seconds() * 1000 / float64(n)
		snap.AvgComputeMS = w.compute.Seconds() * 1000 / float64(n)
		snap.LastLoss = w.losses[n-1]
		// Batches can differ in size, so losses are weighted by samples.
		snap.MeanLoss, snap.StdLoss = stat.MeanStdDev(w.losses, w.weights)
		if n == 1 {
			snap.StdLoss = 0
		}
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}

	*w = Window{losses: w.losses[:0], weights: w.weights[:0]}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps         int
	Samples       int
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	LastLoss      float64
	MeanLoss      float64
	StdLoss       float64
	Accuracy      float64
}
