package cluster

import (
	"encoding/json"
	"errors"
	"math"
	"time"
)

// Noise is the assignment for points that fall outside every cluster's
// reach.
const Noise = -1

// TrainOptions for density-based clustering on normalized features.
type TrainOptions struct {
	Eps       float64
	MinPoints int
}

type Artifact struct {
	ModelKey     string      `json:"model_key"`
	FeatureNames []string    `json:"feature_names"`
	Means        []float64   `json:"means"`
	Stds         []float64   `json:"stds"`
	Eps          float64     `json:"eps"`
	MinPoints    int         `json:"min_points"`
	Centroids    [][]float64 `json:"centroids"`
	Sizes        []int       `json:"sizes"`
	NoiseCount   int         `json:"noise_count"`
	TrainedFrom  time.Time   `json:"trained_from"`
	TrainedTo    time.Time   `json:"trained_to"`
}

type Model struct {
	artifact Artifact
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Eps: 1.5, MinPoints: 5}
}

// Train runs DBSCAN on the normalized dataset and stores per-cluster
// centroids. Only centroids survive into the artifact; assignment at
// serve time is nearest-centroid within eps.
func Train(
	samples [][]float64,
	featureNames []string,
	trainedFrom, trainedTo time.Time,
	opts TrainOptions,
) (*Model, error) {
	if len(samples) == 0 {
		return nil, errors.New("empty training dataset")
	}
	featureCount := len(samples[0])
	if featureCount == 0 || len(featureNames) != featureCount {
		return nil, errors.New("feature name count does not match vector width")
	}
	if opts.Eps <= 0 {
		opts.Eps = DefaultTrainOptions().Eps
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = DefaultTrainOptions().MinPoints
	}

	means, stds := fitNormalizer(samples)
	normalized := make([][]float64, len(samples))
	for i := range samples {
		normalized[i] = normalize(samples[i], means, stds)
	}

	assignments := dbscan(normalized, opts.Eps, opts.MinPoints)

	clusterCount := 0
	for _, c := range assignments {
		if c >= clusterCount {
			clusterCount = c + 1
		}
	}

	centroids := make([][]float64, clusterCount)
	sizes := make([]int, clusterCount)
	for c := range centroids {
		centroids[c] = make([]float64, featureCount)
	}
	noise := 0
	for i, c := range assignments {
		if c == Noise {
			noise++
			continue
		}
		sizes[c]++
		for j := 0; j < featureCount; j++ {
			centroids[c][j] += normalized[i][j]
		}
	}
	for c := range centroids {
		for j := range centroids[c] {
			centroids[c][j] /= float64(sizes[c])
		}
	}

	a := Artifact{
		ModelKey:     "behavior_cluster",
		FeatureNames: append([]string(nil), featureNames...),
		Means:        means,
		Stds:         stds,
		Eps:          opts.Eps,
		MinPoints:    opts.MinPoints,
		Centroids:    centroids,
		Sizes:        sizes,
		NoiseCount:   noise,
		TrainedFrom:  trainedFrom.UTC(),
		TrainedTo:    trainedTo.UTC(),
	}
	return &Model{artifact: a}, nil
}

// Predict assigns the sample to the nearest centroid within eps, or
// Noise when every centroid is too far.
func (m *Model) Predict(sample []float64) int {
	if m == nil || len(sample) != len(m.artifact.Means) {
		return Noise
	}
	x := normalize(sample, m.artifact.Means, m.artifact.Stds)
	best := Noise
	bestDist := math.Inf(1)
	for c, centroid := range m.artifact.Centroids {
		d := euclidean(x, centroid)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	if bestDist > m.artifact.Eps {
		return Noise
	}
	return best
}

func (m *Model) ClusterCount() int {
	if m == nil {
		return 0
	}
	return len(m.artifact.Centroids)
}

func (m *Model) NoiseCount() int {
	if m == nil {
		return 0
	}
	return m.artifact.NoiseCount
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
	if len(a.Means) == 0 || len(a.Means) != len(a.Stds) || a.Eps <= 0 {
		return nil, errors.New("invalid artifact")
	}
	return &Model{artifact: a}, nil
}

// dbscan labels each point with a cluster index or Noise. Plain
// quadratic neighborhood scan; training populations are small enough
// that an index is not worth it.
func dbscan(points [][]float64, eps float64, minPoints int) []int {
	const unvisited = -2

	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minPoints {
			labels[i] = Noise
			continue
		}
		labels[i] = next
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if labels[p] == Noise {
				labels[p] = next
			}
			if labels[p] != unvisited {
				continue
			}
			labels[p] = next
			pn := regionQuery(points, p, eps)
			if len(pn) >= minPoints {
				queue = append(queue, pn...)
			}
		}
		next++
	}
	return labels
}

func regionQuery(points [][]float64, i int, eps float64) []int {
	var neighbors []int
	for j := range points {
		if j == i {
			continue
		}
		if euclidean(points[i], points[j]) <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
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

func normalize(in, means, stds []float64) []float64 {
	out := make([]float64, len(in))
	for i := range in {
		out[i] = (in[i] - means[i]) / stds[i]
	}
	return out
}
