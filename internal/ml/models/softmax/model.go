package softmax

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"
)

// TrainOptions for multinomial logistic regression fitted with
// mini-batch gradient descent and L2 regularization.
type TrainOptions struct {
	LearningRate float64
	Epochs       int
	L2           float64
	Seed         int64
}

type Artifact struct {
	ModelKey     string      `json:"model_key"`
	FeatureNames []string    `json:"feature_names"`
	Labels       []string    `json:"labels"`
	Means        []float64   `json:"means"`
	Stds         []float64   `json:"stds"`
	Weights      [][]float64 `json:"weights"`
	Bias         []float64   `json:"bias"`
	TrainedFrom  time.Time   `json:"trained_from"`
	TrainedTo    time.Time   `json:"trained_to"`
}

type Model struct {
	artifact Artifact
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		LearningRate: 0.1,
		Epochs:       300,
		L2:           1e-3,
		Seed:         1,
	}
}

// Train fits one weight row per label. Labels fixes the class ordering;
// every y value must index into it.
func Train(
	samples [][]float64,
	y []int,
	featureNames []string,
	labels []string,
	trainedFrom, trainedTo time.Time,
	opts TrainOptions,
) (*Model, error) {
	if len(samples) == 0 || len(samples) != len(y) {
		return nil, errors.New("empty or mismatched training dataset")
	}
	if len(labels) < 2 {
		return nil, errors.New("need at least two classes")
	}
	featureCount := len(samples[0])
	if featureCount == 0 || len(featureNames) != featureCount {
		return nil, errors.New("feature name count does not match vector width")
	}
	for _, label := range y {
		if label < 0 || label >= len(labels) {
			return nil, errors.New("label index out of range")
		}
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultTrainOptions().LearningRate
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultTrainOptions().Epochs
	}
	if opts.L2 < 0 {
		opts.L2 = DefaultTrainOptions().L2
	}

	means, stds := fitNormalizer(samples)
	normalized := make([][]float64, len(samples))
	for i := range samples {
		normalized[i] = normalize(samples[i], means, stds)
	}

	classCount := len(labels)
	weights := make([][]float64, classCount)
	for c := range weights {
		weights[c] = make([]float64, featureCount)
	}
	bias := make([]float64, classCount)

	rng := rand.New(rand.NewSource(opts.Seed))
	order := make([]int, len(normalized))
	for i := range order {
		order[i] = i
	}

	probs := make([]float64, classCount)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			x := normalized[i]
			softmaxInto(probs, weights, bias, x)
			for c := 0; c < classCount; c++ {
				grad := probs[c]
				if c == y[i] {
					grad -= 1
				}
				bias[c] -= opts.LearningRate * grad
				for j := 0; j < featureCount; j++ {
					weights[c][j] -= opts.LearningRate * (grad*x[j] + opts.L2*weights[c][j])
				}
			}
		}
	}

	a := Artifact{
		ModelKey:     "pattern_classifier",
		FeatureNames: append([]string(nil), featureNames...),
		Labels:       append([]string(nil), labels...),
		Means:        means,
		Stds:         stds,
		Weights:      weights,
		Bias:         bias,
		TrainedFrom:  trainedFrom.UTC(),
		TrainedTo:    trainedTo.UTC(),
	}
	return &Model{artifact: a}, nil
}

// PredictProbs returns the class probability distribution in label
// order. Returns nil on shape mismatch.
func (m *Model) PredictProbs(sample []float64) []float64 {
	if m == nil || len(sample) != len(m.artifact.Means) {
		return nil
	}
	x := normalize(sample, m.artifact.Means, m.artifact.Stds)
	probs := make([]float64, len(m.artifact.Labels))
	softmaxInto(probs, m.artifact.Weights, m.artifact.Bias, x)
	return probs
}

// PredictLabel returns the argmax label and its probability.
func (m *Model) PredictLabel(sample []float64) (string, float64) {
	probs := m.PredictProbs(sample)
	if len(probs) == 0 {
		return "", 0
	}
	best := 0
	for c := range probs {
		if probs[c] > probs[best] {
			best = c
		}
	}
	return m.artifact.Labels[best], probs[best]
}

func (m *Model) Labels() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.artifact.Labels))
	copy(out, m.artifact.Labels)
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
	if len(a.Labels) < 2 || len(a.Weights) != len(a.Labels) ||
		len(a.Means) == 0 || len(a.Means) != len(a.Stds) {
		return nil, errors.New("invalid artifact")
	}
	return &Model{artifact: a}, nil
}

func softmaxInto(probs []float64, weights [][]float64, bias []float64, x []float64) {
	maxLogit := math.Inf(-1)
	for c := range weights {
		logit := bias[c]
		for j, v := range x {
			logit += weights[c][j] * v
		}
		probs[c] = logit
		if logit > maxLogit {
			maxLogit = logit
		}
	}
	sum := 0.0
	for c := range probs {
		probs[c] = math.Exp(probs[c] - maxLogit)
		sum += probs[c]
	}
	for c := range probs {
		probs[c] /= sum
	}
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
		for i := range samples {
			d := samples[i][j] - means[j]
			stds[j] += d * d
		}
		stds[j] = math.Sqrt(stds[j] / float64(len(samples)))
		if stds[j] == 0 {
			stds[j] = 1
		}
	}
	return means, stds
}

func normalize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}
