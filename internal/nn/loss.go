package nn

import (
	"fmt"

	"github.com/born-ml/mnistjob/internal/tensor"
)

// CategoricalCrossEntropy returns the mean of −Σ y·log(p) over the batch.
// probs are softmax outputs and targets one-hot rows, both [batch, classes].
// Probabilities are clipped to [ε, 1−ε] as Keras does.
func CategoricalCrossEntropy[B tensor.Backend](probs, targets *tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	ce := capability[CrossEntropyBackend](backend, "CategoricalCrossEntropy")
	return tensor.New[float32](ce.CategoricalCrossEntropy(probs.Raw(), targets.Raw()), backend)
}

// Argmax returns the index of the largest value in each row of a
// [batch, classes] tensor. Ties resolve to the lowest index.
func Argmax(rows *tensor.RawTensor) []int {
	shape := rows.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("nn: argmax expects [batch, classes], got %v", shape))
	}
	n, k := shape[0], shape[1]
	data := rows.AsFloat32()
	out := make([]int, n)
	for i := 0; i < n; i++ {
		row := data[i*k : (i+1)*k]
		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}

// CorrectCount returns how many rows of probs have their argmax at the
// one-hot target's class.
func CorrectCount(probs, targets *tensor.RawTensor) int {
	if !probs.Shape().Equal(targets.Shape()) {
		panic(fmt.Sprintf("nn: accuracy shape mismatch %v vs %v", probs.Shape(), targets.Shape()))
	}
	pred, want := Argmax(probs), Argmax(targets)
	correct := 0
	for i := range pred {
		if pred[i] == want[i] {
			correct++
		}
	}
	return correct
}

// Accuracy returns the fraction of correctly classified rows.
func Accuracy(probs, targets *tensor.RawTensor) float64 {
	n := probs.Shape()[0]
	if n == 0 {
		return 0
	}
	return float64(CorrectCount(probs, targets)) / float64(n)
}
