package gbdt

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// Dataset is a labelled training set. Rows must be aligned to FeatureNames; Categorical
// lists the names of categorical columns.
type Dataset struct {
	FeatureNames []string
	Categorical  []string
	Rows         []Row
	Labels       []bool
}

// ctrPriorWeight is the pseudo-count given to the prior in target statistics.
const ctrPriorWeight = 1.0

// Fit trains a model on ds.
func Fit(ctx context.Context, ds Dataset, p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	n := len(ds.Rows)
	if n == 0 {
		return nil, eris.New("gbdt: empty dataset")
	}
	if len(ds.Labels) != n {
		return nil, eris.Errorf("gbdt: %d rows but %d labels", n, len(ds.Labels))
	}
	nf := len(ds.FeatureNames)
	if nf == 0 {
		return nil, eris.New("gbdt: no features")
	}
	for i, r := range ds.Rows {
		if len(r.Num) != nf || len(r.Cat) != nf {
			return nil, eris.Errorf("gbdt: row %d has %d/%d columns, want %d", i, len(r.Num), len(r.Cat), nf)
		}
	}

	isCat := make([]bool, nf)
	catSet := make(map[string]bool, len(ds.Categorical))
	for _, c := range ds.Categorical {
		catSet[c] = true
	}
	for j, name := range ds.FeatureNames {
		isCat[j] = catSet[name]
	}

	y := make([]float64, n)
	w := make([]float64, n)
	var sumW, sumWY, positives float64
	for i, l := range ds.Labels {
		if l {
			y[i] = 1
			positives++
		}
		w[i] = p.classWeight(l)
		sumW += w[i]
		sumWY += w[i] * y[i]
	}

	m := &Model{
		FeatureNames: append([]string(nil), ds.FeatureNames...),
		Categorical:  isCat,
		CatStats:     make([]map[string]CatStat, nf),
		Prior:        positives / float64(n),
		Bias:         logit(sumWY / sumW),
		Params:       p,
	}

	x := encodeOrdered(ds.Rows, y, isCat, m, p.RandomSeed)
	borders := make([][]float64, nf)
	bins := make([][]uint8, nf)
	for j := 0; j < nf; j++ {
		borders[j] = computeBorders(column(x, j), p.BorderCount)
		bins[j] = binColumn(x, j, borders[j])
	}

	f := make([]float64, n)
	for i := range f {
		f[i] = m.Bias
	}
	g := make([]float64, n)
	h := make([]float64, n)
	leaf := make([]int, n)

	for it := 0; it < p.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "gbdt: fit cancelled")
		}
		for i := 0; i < n; i++ {
			pi := sigmoid(f[i])
			g[i] = w[i] * (pi - y[i])
			h[i] = math.Max(w[i]*pi*(1-pi), 1e-16)
		}

		tree, err := growTree(ctx, bins, borders, g, h, leaf, p)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			f[i] += tree.Leaves[leaf[i]]
		}
		m.Trees = append(m.Trees, tree)
	}

	return m, nil
}

// encodeOrdered builds the numeric training matrix. Each categorical value is replaced by
// the target statistic of the rows preceding it in a seeded permutation, so a row's own
// label never leaks into its encoding. Full-data statistics are stored on m for inference.
func encodeOrdered(rows []Row, y []float64, isCat []bool, m *Model, seed uint64) [][]float64 {
	n, nf := len(rows), len(isCat)
	x := make([][]float64, n)
	for i := range x {
		x[i] = make([]float64, nf)
		for j := 0; j < nf; j++ {
			if !isCat[j] {
				v := rows[i].Num[j]
				if math.IsNaN(v) {
					v = 0
				}
				x[i][j] = v
			}
		}
	}

	perm := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)).Perm(n)
	for j := 0; j < nf; j++ {
		if !isCat[j] {
			continue
		}
		running := make(map[string]CatStat)
		for _, i := range perm {
			key := rows[i].Cat[j]
			st := running[key]
			x[i][j] = (st.Positives + ctrPriorWeight*m.Prior) / (st.Count + ctrPriorWeight)
			st.Positives += y[i]
			st.Count++
			running[key] = st
		}
		m.CatStats[j] = running
	}
	return x
}

func column(x [][]float64, j int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i][j]
	}
	return out
}

// computeBorders returns up to maxBorders split points, as midpoints between
// consecutive distinct values spread evenly over the distinct values.
func computeBorders(values []float64, maxBorders int) []float64 {
	uniq := append([]float64(nil), values...)
	sort.Float64s(uniq)
	k := 0
	for i, v := range uniq {
		if i == 0 || v != uniq[k-1] {
			uniq[k] = v
			k++
		}
	}
	uniq = uniq[:k]
	if len(uniq) < 2 {
		return nil
	}

	var borders []float64
	if len(uniq)-1 <= maxBorders {
		borders = make([]float64, 0, len(uniq)-1)
		for i := 1; i < len(uniq); i++ {
			borders = append(borders, (uniq[i-1]+uniq[i])/2)
		}
		return borders
	}

	for b := 0; b < maxBorders; b++ {
		idx := (b + 1) * len(uniq) / (maxBorders + 1)
		if idx < 1 {
			idx = 1
		}
		border := (uniq[idx-1] + uniq[idx]) / 2
		if len(borders) == 0 || border > borders[len(borders)-1] {
			borders = append(borders, border)
		}
	}
	return borders
}

// binColumn maps each value to the number of borders strictly below it, so
// value > borders[b] iff bin > b.
func binColumn(x [][]float64, j int, borders []float64) []uint8 {
	out := make([]uint8, len(x))
	for i := range x {
		out[i] = uint8(sort.SearchFloat64s(borders, x[i][j]))
	}
	return out
}

type candidate struct {
	border int
	gain   float64
}

// growTree builds one oblivious tree level by level. leaf is overwritten with each
// row's final leaf index.
func growTree(ctx context.Context, bins [][]uint8, borders [][]float64, g, h []float64, leaf []int, p Params) (Tree, error) {
	n, nf := len(g), len(bins)
	for i := 0; i < n; i++ {
		leaf[i] = 0
	}

	var tree Tree
	for depth := 0; depth < p.Depth; depth++ {
		leaves := 1 << depth
		best := make([]candidate, nf)

		eg, _ := errgroup.WithContext(ctx)
		workers := p.Workers
		if workers <= 0 {
			workers = nf
		}
		eg.SetLimit(workers)
		for j := 0; j < nf; j++ {
			eg.Go(func() error {
				best[j] = bestSplit(bins[j], len(borders[j]), g, h, leaf, leaves, p.L2LeafReg)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return Tree{}, eris.Wrap(err, "gbdt: split search")
		}

		feature := -1
		for j, c := range best {
			if c.border < 0 {
				continue
			}
			if feature < 0 || c.gain > best[feature].gain {
				feature = j
			}
		}
		if feature < 0 {
			break
		}

		b := best[feature].border
		tree.Splits = append(tree.Splits, Split{
			Feature: feature,
			Border:  borders[feature][b],
			Gain:    best[feature].gain,
		})
		col := bins[feature]
		for i := 0; i < n; i++ {
			leaf[i] <<= 1
			if int(col[i]) > b {
				leaf[i] |= 1
			}
		}
	}

	nLeaves := 1 << len(tree.Splits)
	sumG := make([]float64, nLeaves)
	sumH := make([]float64, nLeaves)
	for i := 0; i < n; i++ {
		sumG[leaf[i]] += g[i]
		sumH[leaf[i]] += h[i]
	}
	tree.Leaves = make([]float64, nLeaves)
	for l := 0; l < nLeaves; l++ {
		if sumH[l] == 0 {
			continue
		}
		tree.Leaves[l] = -sumG[l] / (sumH[l] + p.L2LeafReg) * p.LearningRate
	}
	return tree, nil
}

// bestSplit scans one feature's histogram for the border that maximises the summed
// leaf score G²/(H+λ) over all current leaves. border is -1 when the feature has no
// usable border.
func bestSplit(col []uint8, nBorders int, g, h []float64, leaf []int, leaves int, lambda float64) candidate {
	if nBorders == 0 {
		return candidate{border: -1}
	}
	nBins := nBorders + 1
	histG := make([]float64, leaves*nBins)
	histH := make([]float64, leaves*nBins)
	totG := make([]float64, leaves)
	totH := make([]float64, leaves)
	for i, b := range col {
		k := leaf[i]*nBins + int(b)
		histG[k] += g[i]
		histH[k] += h[i]
		totG[leaf[i]] += g[i]
		totH[leaf[i]] += h[i]
	}

	// Parent score is constant across borders; subtracting it reports the true gain.
	var parent float64
	for l := 0; l < leaves; l++ {
		parent += score(totG[l], totH[l], lambda)
	}

	best := candidate{border: -1, gain: math.Inf(-1)}
	leftG := make([]float64, leaves)
	leftH := make([]float64, leaves)
	for b := 0; b < nBorders; b++ {
		var total float64
		for l := 0; l < leaves; l++ {
			leftG[l] += histG[l*nBins+b]
			leftH[l] += histH[l*nBins+b]
			total += score(leftG[l], leftH[l], lambda) + score(totG[l]-leftG[l], totH[l]-leftH[l], lambda)
		}
		if gain := total - parent; gain > best.gain {
			best = candidate{border: b, gain: gain}
		}
	}
	return best
}

func score(g, h, lambda float64) float64 {
	if h+lambda == 0 {
		return 0
	}
	return g * g / (h + lambda)
}
