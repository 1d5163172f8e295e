package gbdt

import (
	"encoding/gob"
	"io"
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Row is one input aligned to the model's feature names. Num holds the numeric
// columns and Cat the categorical ones; the unused slot of each column is ignored.
type Row struct {
	Num []float64
	Cat []string
}

// CatStat is the full-data target statistic of one category value.
type CatStat struct {
	Positives float64
	Count     float64
}

// Split is one level of an oblivious tree: rows go right iff value > Border.
type Split struct {
	Feature int
	Border  float64
	Gain    float64
}

// Tree is an oblivious tree. Leaf index bits are taken from Splits in order, the
// first split being the most significant bit.
type Tree struct {
	Splits []Split
	Leaves []float64
}

// Model is a fitted classifier.
type Model struct {
	FeatureNames []string
	Categorical  []bool
	CatStats     []map[string]CatStat
	// Prior is the positive share used to smooth target statistics.
	Prior  float64
	Bias   float64
	Trees  []Tree
	Params Params
}

// NumFeatures returns the width rows must have.
func (m *Model) NumFeatures() int { return len(m.FeatureNames) }

// CategoricalNames returns the names of the categorical columns in feature order.
func (m *Model) CategoricalNames() []string {
	var out []string
	for i, c := range m.Categorical {
		if c {
			out = append(out, m.FeatureNames[i])
		}
	}
	return out
}

// Predict returns the positive-class probability of row, in [0, 1].
func (m *Model) Predict(row Row) (float64, error) {
	x, err := m.encode(row)
	if err != nil {
		return 0, err
	}
	return sigmoid(m.rawScore(x)), nil
}

func (m *Model) rawScore(x []float64) float64 {
	score := m.Bias
	for _, t := range m.Trees {
		idx := 0
		for _, s := range t.Splits {
			idx <<= 1
			if x[s.Feature] > s.Border {
				idx |= 1
			}
		}
		score += t.Leaves[idx]
	}
	return score
}

// encode maps a row to the numeric space the trees split on. Categories use full-data
// statistics; unseen values fall back to the prior.
func (m *Model) encode(row Row) ([]float64, error) {
	n := len(m.FeatureNames)
	if len(row.Num) != n || len(row.Cat) != n {
		return nil, eris.Errorf("gbdt: row has %d/%d columns, model expects %d", len(row.Num), len(row.Cat), n)
	}
	x := make([]float64, n)
	for j := 0; j < n; j++ {
		if !m.Categorical[j] {
			v := row.Num[j]
			if math.IsNaN(v) {
				v = 0
			}
			x[j] = v
			continue
		}
		st, ok := m.CatStats[j][row.Cat[j]]
		if !ok {
			x[j] = m.Prior
			continue
		}
		x[j] = (st.Positives + m.Prior) / (st.Count + 1)
	}
	return x, nil
}

// FeatureImportance returns each feature's share of the total split gain.
func (m *Model) FeatureImportance() map[string]float64 {
	gains := make([]float64, len(m.FeatureNames))
	var total float64
	for _, t := range m.Trees {
		for _, s := range t.Splits {
			g := math.Max(s.Gain, 0)
			gains[s.Feature] += g
			total += g
		}
	}
	out := make(map[string]float64, len(gains))
	for i, g := range gains {
		if total > 0 {
			out[m.FeatureNames[i]] = g / total
		} else {
			out[m.FeatureNames[i]] = 0
		}
	}
	return out
}

// TopFeatures returns up to n feature names by descending importance.
func (m *Model) TopFeatures(n int) []string {
	imp := m.FeatureImportance()
	names := append([]string(nil), m.FeatureNames...)
	sort.SliceStable(names, func(i, j int) bool { return imp[names[i]] > imp[names[j]] })
	if n < len(names) {
		names = names[:n]
	}
	return names
}

// Save writes the model with encoding/gob.
func (m *Model) Save(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(m); err != nil {
		return eris.Wrap(err, "gbdt: encode model")
	}
	return nil
}

// Load reads a model written by Save.
func Load(r io.Reader) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, eris.Wrap(err, "gbdt: decode model")
	}
	if len(m.Categorical) != len(m.FeatureNames) || len(m.CatStats) != len(m.FeatureNames) {
		return nil, eris.New("gbdt: decoded model has inconsistent feature metadata")
	}
	for i, t := range m.Trees {
		if len(t.Leaves) != 1<<len(t.Splits) {
			return nil, eris.Errorf("gbdt: tree %d has %d leaves for depth %d", i, len(t.Leaves), len(t.Splits))
		}
		for _, s := range t.Splits {
			if s.Feature < 0 || s.Feature >= len(m.FeatureNames) {
				return nil, eris.Errorf("gbdt: tree %d splits on unknown feature %d", i, s.Feature)
			}
		}
	}
	return &m, nil
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func logit(p float64) float64 {
	const eps = 1e-6
	p = math.Min(math.Max(p, eps), 1-eps)
	return math.Log(p / (1 - p))
}
