package learning

import (
	"errors"
	"math"
)

// logisticModel is a binary classifier over standardized features,
// fitted by full-batch gradient descent. Class 1 means the hardcoded
// architecture won; class 0 means the strategy layer won.
type logisticModel struct {
	weights []float64
	bias    float64
	means   []float64
	stds    []float64
}

const (
	logisticEpochs       = 200
	logisticLearningRate = 0.1
)

var errEmptyTrainingSet = errors.New("empty training set")

// fitLogistic trains a model on (X, y) with y in {0, 1}.
func fitLogistic(X [][]float64, y []int) (*logisticModel, error) {
	if len(X) == 0 || len(X) != len(y) {
		return nil, errEmptyTrainingSet
	}
	dims := len(X[0])
	for _, row := range X {
		if len(row) != dims {
			return nil, errors.New("inconsistent feature dimensions")
		}
	}

	means, stds := standardizeStats(X, dims)
	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = scaleRow(row, means, stds)
	}

	m := &logisticModel{
		weights: make([]float64, dims),
		means:   means,
		stds:    stds,
	}

	n := float64(len(scaled))
	gradW := make([]float64, dims)
	for epoch := 0; epoch < logisticEpochs; epoch++ {
		for d := range gradW {
			gradW[d] = 0
		}
		gradB := 0.0

		for i, row := range scaled {
			residual := m.forward(row) - float64(y[i])
			for d, v := range row {
				gradW[d] += residual * v
			}
			gradB += residual
		}
		for d := range m.weights {
			m.weights[d] -= logisticLearningRate * gradW[d] / n
		}
		m.bias -= logisticLearningRate * gradB / n
	}
	return m, nil
}

// accuracy scores the model on a labeled set with a 0.5 threshold.
func (m *logisticModel) accuracy(X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	correct := 0
	for i, row := range X {
		if m.predict(row) == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}

// predict returns the class label for a raw feature vector.
func (m *logisticModel) predict(x []float64) int {
	if m.predictProba(x)[1] >= 0.5 {
		return 1
	}
	return 0
}

// predictProba returns [P(class 0), P(class 1)] for a raw feature vector.
func (m *logisticModel) predictProba(x []float64) [2]float64 {
	p1 := m.forward(scaleRow(x, m.means, m.stds))
	return [2]float64{1 - p1, p1}
}

func (m *logisticModel) forward(scaled []float64) float64 {
	z := m.bias
	for d, v := range scaled {
		z += m.weights[d] * v
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	if z < -30 {
		return 0
	}
	if z > 30 {
		return 1
	}
	return 1 / (1 + math.Exp(-z))
}

func standardizeStats(X [][]float64, dims int) (means, stds []float64) {
	means = make([]float64, dims)
	stds = make([]float64, dims)
	n := float64(len(X))

	for _, row := range X {
		for d, v := range row {
			means[d] += v
		}
	}
	for d := range means {
		means[d] /= n
	}
	for _, row := range X {
		for d, v := range row {
			diff := v - means[d]
			stds[d] += diff * diff
		}
	}
	for d := range stds {
		stds[d] = math.Sqrt(stds[d] / n)
		if stds[d] == 0 {
			stds[d] = 1
		}
	}
	return means, stds
}

func scaleRow(row, means, stds []float64) []float64 {
	scaled := make([]float64, len(row))
	for d, v := range row {
		scaled[d] = (v - means[d]) / stds[d]
	}
	return scaled
}
