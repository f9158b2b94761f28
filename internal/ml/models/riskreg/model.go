package riskreg

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// TrainOptions for ridge regression solved in closed form.
type TrainOptions struct {
	Lambda float64
}

type Artifact struct {
	ModelKey     string    `json:"model_key"`
	FeatureNames []string  `json:"feature_names"`
	Means        []float64 `json:"means"`
	Stds         []float64 `json:"stds"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	Lambda       float64   `json:"lambda"`
	TrainedFrom  time.Time `json:"trained_from"`
	TrainedTo    time.Time `json:"trained_to"`
}

type Model struct {
	artifact Artifact
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Lambda: 1.0}
}

// Train solves (X'X + lambda*I) w = X'y on normalized features. The
// bias column is not regularized.
func Train(
	samples [][]float64,
	y []float64,
	featureNames []string,
	trainedFrom, trainedTo time.Time,
	opts TrainOptions,
) (*Model, error) {
	if len(samples) == 0 || len(samples) != len(y) {
		return nil, errors.New("empty or mismatched training dataset")
	}
	featureCount := len(samples[0])
	if featureCount == 0 || len(featureNames) != featureCount {
		return nil, errors.New("feature name count does not match vector width")
	}
	if opts.Lambda < 0 {
		opts.Lambda = DefaultTrainOptions().Lambda
	}

	means, stds := fitNormalizer(samples)

	n := len(samples)
	cols := featureCount + 1
	X := mat.NewDense(n, cols, nil)
	for i := range samples {
		X.Set(i, 0, 1)
		for j := 0; j < featureCount; j++ {
			X.Set(i, j+1, (samples[i][j]-means[j])/stds[j])
		}
	}
	Y := mat.NewVecDense(n, append([]float64(nil), y...))

	var xtx mat.Dense
	xtx.Mul(X.T(), X)
	for j := 1; j < cols; j++ {
		xtx.Set(j, j, xtx.At(j, j)+opts.Lambda)
	}

	var xty mat.VecDense
	xty.MulVec(X.T(), Y)

	var w mat.VecDense
	if err := w.SolveVec(&xtx, &xty); err != nil {
		return nil, errors.New("singular design matrix")
	}

	weights := make([]float64, featureCount)
	for j := 0; j < featureCount; j++ {
		weights[j] = w.AtVec(j + 1)
	}

	a := Artifact{
		ModelKey:     "risk_regressor",
		FeatureNames: append([]string(nil), featureNames...),
		Means:        means,
		Stds:         stds,
		Weights:      weights,
		Bias:         w.AtVec(0),
		Lambda:       opts.Lambda,
		TrainedFrom:  trainedFrom.UTC(),
		TrainedTo:    trainedTo.UTC(),
	}
	return &Model{artifact: a}, nil
}

// Predict returns the risk score clamped to [0, 1].
func (m *Model) Predict(sample []float64) float64 {
	if m == nil || len(sample) != len(m.artifact.Means) {
		return 0
	}
	score := m.artifact.Bias
	for j, v := range sample {
		score += m.artifact.Weights[j] * (v - m.artifact.Means[j]) / m.artifact.Stds[j]
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (m *Model) PredictBatch(samples [][]float64) []float64 {
	out := make([]float64, len(samples))
	for i := range samples {
		out[i] = m.Predict(samples[i])
	}
	return out
}

func (m *Model) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	return json.Marshal(m.artifact)
}

func UnmarshalBinary(blob []byte) (*Model, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty artifact")
	}
	var a Artifact
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, err
	}
	if len(a.Means) == 0 || len(a.Means) != len(a.Stds) || len(a.Weights) != len(a.Means) {
		return nil, errors.New("invalid artifact")
	}
	return &Model{artifact: a}, nil
}

func fitNormalizer(samples [][]float64) ([]float64, []float64) {
	featureCount := len(samples[0])
	means := make([]float64, featureCount)
	stds := make([]float64, featureCount)
	for j := 0; j < featureCount; j++ {
		for i := range samples {
			means[j] += samples[i][j]
		}
		means[j] /= float64(len(samples))
		var ss float64
		for i := range samples {
			d := samples[i][j] - means[j]
			ss += d * d
		}
		stds[j] = math.Sqrt(ss / float64(len(samples)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds
}
