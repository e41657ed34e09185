// Package model holds the lightweight online logistic regression that
// augments the rule-based signal. SGD with a small L2 penalty, trained
// one closed trade at a time, serialized as JSON into system_config so a
// restart resumes where training left off.
package model

import (
	"encoding/json"
	"math"
	"sync"
)

// Dim is the classifier's input dimension.
const Dim = 12

const (
	defaultLR = 0.05
	defaultL2 = 1e-6
)

// OnlineLogisticRegression is safe for concurrent use.
type OnlineLogisticRegression struct {
	mu sync.Mutex

	dim     int
	lr      float64
	l2      float64
	bias    float64
	w       []float64
	seen    int
	version int
}

// snapshot is the persisted JSON shape.
type snapshot struct {
	Dim     int       `json:"dim"`
	LR      float64   `json:"lr"`
	L2      float64   `json:"l2"`
	Bias    float64   `json:"bias"`
	W       []float64 `json:"w"`
	Seen    int       `json:"seen"`
	Version int       `json:"version"`
}

// New returns a zero-initialized model.
func New(dim int, lr, l2 float64) *OnlineLogisticRegression {
	if dim <= 0 {
		dim = Dim
	}
	if lr <= 0 {
		lr = defaultLR
	}
	if l2 <= 0 {
		l2 = defaultL2
	}
	return &OnlineLogisticRegression{
		dim:     dim,
		lr:      lr,
		l2:      l2,
		w:       make([]float64, dim),
		version: 1,
	}
}

// Load restores a model from its serialized form. Malformed or empty
// payloads fall back to a zero-initialized model.
func Load(raw string, dim int, lr, l2 float64) *OnlineLogisticRegression {
	m := New(dim, lr, l2)
	if raw == "" {
		return m
	}
	var s snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return m
	}
	if s.Dim > 0 {
		m.dim = s.Dim
	}
	if s.LR > 0 {
		m.lr = s.LR
	}
	if s.L2 > 0 {
		m.l2 = s.L2
	}
	m.bias = s.Bias
	m.seen = s.Seen
	if s.Version > 0 {
		m.version = s.Version
	}
	// Resize the weight vector to the declared dimension.
	m.w = make([]float64, m.dim)
	copy(m.w, s.W)
	return m
}

func sigmoid(z float64) float64 {
	// numerically stable split
	if z >= 0 {
		ez := math.Exp(-z)
		return 1.0 / (1.0 + ez)
	}
	ez := math.Exp(z)
	return ez / (1.0 + ez)
}

// PredictProba returns P(label=1 | x) in [0,1]. An empty input yields
// the uninformed 0.5.
func (m *OnlineLogisticRegression) PredictProba(x []float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictLocked(x)
}

func (m *OnlineLogisticRegression) predictLocked(x []float64) float64 {
	if len(x) == 0 {
		return 0.5
	}
	z := m.bias
	n := len(x)
	if n > len(m.w) {
		n = len(m.w)
	}
	for i := 0; i < n; i++ {
		z += m.w[i] * x[i]
	}
	return sigmoid(z)
}

// PartialFit applies one SGD step for (x, y) and returns the pre-update
// probability.
func (m *OnlineLogisticRegression) PartialFit(x []float64, y int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := 0.0
	if y == 1 {
		target = 1.0
	}
	p := m.predictLocked(x)
	err := p - target

	n := len(x)
	if n > len(m.w) {
		n = len(m.w)
	}
	for i := 0; i < n; i++ {
		m.w[i] -= m.lr * (err*x[i] + m.l2*m.w[i])
	}
	m.bias -= m.lr * err
	m.seen++
	return p
}

// Seen reports how many samples the model has trained on.
func (m *OnlineLogisticRegression) Seen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen
}

// Marshal serializes the model for system_config persistence.
func (m *OnlineLogisticRegression) Marshal() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := make([]float64, len(m.w))
	copy(w, m.w)
	raw, err := json.Marshal(snapshot{
		Dim:     m.dim,
		LR:      m.lr,
		L2:      m.l2,
		Bias:    m.bias,
		W:       w,
		Seen:    m.seen,
		Version: m.version,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
