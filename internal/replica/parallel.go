package replica

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// dataParallel splits each batch across replicas.
type dataParallel struct {
	master  *Worker
	workers []*Worker
}

func (d *dataParallel) Count() int { return len(d.workers) }

func (d *dataParallel) Step(x, y *tensor.RawTensor) (Result, error) {
	n := x.Shape()[0]
	if y.Shape()[0] != n {
		return Result{}, fmt.Errorf("%w: %d inputs but %d targets", ErrStep, n, y.Shape()[0])
	}

	xs, err := Split(x, len(d.workers))
	if err != nil {
		return Result{}, err
	}
	ys, err := Split(y, len(d.workers))
	if err != nil {
		return Result{}, err
	}

	shards := make([]shardResult, len(xs))
	var g errgroup.Group
	for i := range xs {
		w := d.workers[i]
		g.Go(func() error {
			w.Model.SetTraining(true)
			r, err := forwardBackward(w, xs[i], ys[i])
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			shards[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return d.reduce(shards, n)
}

// reduce weights every shard by its share of the batch, which makes the
// combined gradient equal to the gradient of the batch-mean loss.
func (d *dataParallel) reduce(shards []shardResult, n int) (Result, error) {
	params := d.master.Model.Parameters()
	sums := make([][]float32, len(params))
	for i, p := range params {
		sums[i] = make([]float32, p.NumElements())
	}

	res := Result{Samples: n, Grads: make(map[*tensor.RawTensor]*tensor.RawTensor, len(params))}
	for _, s := range shards {
		if len(s.grads) != len(params) {
			return Result{}, fmt.Errorf("%w: %d gradients, master has %d parameters", ErrReplicaMismatch, len(s.grads), len(params))
		}
		w := float32(s.samples) / float32(n)
		res.Loss += s.loss * float64(s.samples) / float64(n)
		res.Correct += s.correct
		for i, g := range s.grads {
			for j, v := range g.AsFloat32() {
				sums[i][j] += w * v
			}
		}
	}

	for i, p := range params {
		g, err := tensor.FromFloat32(sums[i], p.Tensor().Shape())
		if err != nil {
			return Result{}, err
		}
		res.Grads[p.Tensor().Raw()] = g
	}

	d.mergeBuffers(shards, n)
	return res, nil
}

// mergeBuffers sets each non-parameter state tensor of the master, such as
// BatchNorm running statistics, to the sample-weighted mean over the
// replicas that took part in the step.
func (d *dataParallel) mergeBuffers(shards []shardResult, n int) {
	isParam := make(map[*tensor.RawTensor]bool)
	for _, p := range d.master.Model.Parameters() {
		isParam[p.Tensor().Raw()] = true
	}

	states := make([]map[string]*tensor.RawTensor, len(shards))
	for i := range shards {
		states[i] = d.workers[i].Model.StateDict()
	}

	for name, buf := range d.master.Model.StateDict() {
		if isParam[buf] || buf.DType() != tensor.Float32 {
			continue
		}
		dst := buf.AsFloat32()
		clear(dst)
		for i, s := range shards {
			w := float32(s.samples) / float32(n)
			for j, v := range states[i][name].AsFloat32() {
				dst[j] += w * v
			}
		}
	}
}

func (d *dataParallel) Sync() error {
	state := d.master.Model.StateDict()
	for i, w := range d.workers {
		if err := w.Model.LoadStateDict(state); err != nil {
			return fmt.Errorf("%w: replica %d: %v", ErrReplicaMismatch, i, err)
		}
	}
	return nil
}

// Split cuts t into at most parts contiguous slices along the first
// dimension. Sizes differ by at most one and empty slices are dropped, so
// a batch smaller than parts yields one slice per sample.
func Split(t *tensor.RawTensor, parts int) ([]*tensor.RawTensor, error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: cannot split a scalar", ErrStep)
	}
	n := shape[0]
	row := 1
	for _, d := range shape[1:] {
		row *= d
	}
	data := t.AsFloat32()

	out := make([]*tensor.RawTensor, 0, min(parts, n))
	start := 0
	for i := 0; i < parts; i++ {
		size := n / parts
		if i < n%parts {
			size++
		}
		if size == 0 {
			continue
		}
		s := shape.Clone()
		s[0] = size
		part, err := tensor.FromFloat32(data[start*row:(start+size)*row], s)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
		start += size
	}
	return out, nil
}
