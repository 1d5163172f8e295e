// Package gbdt is a gradient-boosted binary classifier over oblivious trees, with
// categorical columns encoded by ordered target statistics.
//
// Training is deterministic for a fixed RandomSeed: the only randomness is the
// permutation used for target statistics, and split search reduces per-feature
// results in feature order.
package gbdt

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Params are the boosting hyper-parameters.
type Params struct {
	Iterations   int       `json:"iterations"`
	LearningRate float64   `json:"learning_rate"`
	Depth        int       `json:"depth"`
	L2LeafReg    float64   `json:"l2_leaf_reg"`
	BorderCount  int       `json:"border_count"`
	RandomSeed   uint64    `json:"random_seed"`
	ClassWeights []float64 `json:"class_weights"`
	// Workers bounds the per-feature histogram fan-out. Zero means one per feature.
	Workers int `json:"-"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		Iterations:   500,
		LearningRate: 0.1,
		Depth:        8,
		L2LeafReg:    3,
		BorderCount:  32,
		RandomSeed:   42,
		ClassWeights: []float64{1, 5},
	}
}

const maxDepth = 12

// Validate checks the parameters for values Fit cannot work with.
func (p Params) Validate() error {
	var errs []string
	if p.Iterations <= 0 {
		errs = append(errs, "iterations must be > 0")
	}
	if p.LearningRate <= 0 {
		errs = append(errs, "learning_rate must be > 0")
	}
	if p.Depth <= 0 || p.Depth > maxDepth {
		errs = append(errs, "depth must be in 1..12")
	}
	if p.L2LeafReg < 0 {
		errs = append(errs, "l2_leaf_reg must be >= 0")
	}
	if p.BorderCount <= 0 || p.BorderCount > 255 {
		errs = append(errs, "border_count must be in 1..255")
	}
	if len(p.ClassWeights) != 0 {
		if len(p.ClassWeights) != 2 {
			errs = append(errs, "class_weights must have exactly two entries")
		} else if p.ClassWeights[0] <= 0 || p.ClassWeights[1] <= 0 {
			errs = append(errs, "class_weights must be positive")
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("gbdt: invalid params: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p Params) classWeight(positive bool) float64 {
	if len(p.ClassWeights) != 2 {
		return 1
	}
	if positive {
		return p.ClassWeights[1]
	}
	return p.ClassWeights[0]
}
