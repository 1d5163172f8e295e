// Package artifact reads, writes, and deploys model bundles: the serialized classifier,
// its ordered feature-name list, and a JSON metadata document, always kept together in
// one directory.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/purchase-forecast/internal/gbdt"
)

// Bundle file names.
const (
	ModelFile        = "catboost_model.gob"
	FeatureNamesFile = "feature_names.json"
	MetadataFile     = "metadata.json"
)

// ModelType is written into the metadata of every bundle this package produces.
const ModelType = "oblivious_gbdt_classifier"

var bundleFiles = []string{ModelFile, FeatureNamesFile, MetadataFile}

// ErrInvalidBundle marks a directory that is not a complete, self-consistent bundle.
var ErrInvalidBundle = eris.New("artifact: invalid bundle")

// Metrics is the forward-evaluation result stored with a bundle.
type Metrics struct {
	F1        float64 `json:"f1"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	TP        int     `json:"tp"`
	FP        int     `json:"fp"`
	FN        int     `json:"fn"`
}

// Metadata is the JSON document describing a bundle.
type Metadata struct {
	ModelType              string      `json:"model_type"`
	CreatedAt              time.Time   `json:"created_at"`
	FeatureCount           int         `json:"feature_count"`
	TrainingDataDays       int         `json:"training_data_days"`
	FeatureCalculationDays int         `json:"feature_calculation_days"`
	PredictionHorizonDays  int         `json:"prediction_horizon_days"`
	HyperParameters        gbdt.Params `json:"hyper_parameters"`
	CategoricalFeatures    []string    `json:"categorical_features"`
	Metrics                Metrics     `json:"metrics"`
	VersionTag             string      `json:"version_tag"`
	TrainedAsOf            string      `json:"trained_as_of,omitempty"`
	SampleCount            int         `json:"sample_count,omitempty"`
	PositiveCount          int         `json:"positive_count,omitempty"`
	TopFeatures            []string    `json:"top_features,omitempty"`
}

// Bundle is a loaded model bundle.
type Bundle struct {
	Model        *gbdt.Model
	FeatureNames []string
	Metadata     Metadata
}

// ReadMetadata parses dir's metadata document.
func ReadMetadata(dir string) (Metadata, error) {
	var md Metadata
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return md, eris.Wrapf(ErrInvalidBundle, "read metadata in %s: %v", dir, err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, eris.Wrapf(ErrInvalidBundle, "parse metadata in %s: %v", dir, err)
	}
	return md, nil
}

func readFeatureNames(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, FeatureNamesFile))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidBundle, "read feature names in %s: %v", dir, err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, eris.Wrapf(ErrInvalidBundle, "parse feature names in %s: %v", dir, err)
	}
	return names, nil
}

// Validate reports whether dir holds all three files, the metadata parses, and the
// declared feature count matches the feature-name list.
func Validate(dir string) error {
	_, _, err := validate(dir)
	return err
}

func validate(dir string) (Metadata, []string, error) {
	for _, f := range bundleFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return Metadata{}, nil, eris.Wrapf(ErrInvalidBundle, "%s missing in %s", f, dir)
		}
	}
	md, err := ReadMetadata(dir)
	if err != nil {
		return Metadata{}, nil, err
	}
	names, err := readFeatureNames(dir)
	if err != nil {
		return Metadata{}, nil, err
	}
	if md.FeatureCount != len(names) {
		return Metadata{}, nil, eris.Wrapf(ErrInvalidBundle,
			"metadata declares %d features, feature list has %d in %s", md.FeatureCount, len(names), dir)
	}
	return md, names, nil
}

// Load validates dir and decodes all three files.
func Load(dir string) (*Bundle, error) {
	md, names, err := validate(dir)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidBundle, "open model in %s: %v", dir, err)
	}
	defer f.Close() //nolint:errcheck

	m, err := gbdt.Load(f)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidBundle, "decode model in %s: %v", dir, err)
	}
	if m.NumFeatures() != len(names) {
		return nil, eris.Wrapf(ErrInvalidBundle,
			"model expects %d features, feature list has %d in %s", m.NumFeatures(), len(names), dir)
	}
	return &Bundle{Model: m, FeatureNames: names, Metadata: md}, nil
}

// Write materialises b at dir. Files are written into a sibling staging directory which
// is renamed into place, so dir either does not exist or holds the whole bundle.
// dir must not already exist.
func Write(dir string, b *Bundle) error {
	if b == nil || b.Model == nil {
		return eris.New("artifact: write: nil bundle")
	}
	if b.Metadata.FeatureCount != len(b.FeatureNames) {
		return eris.Wrapf(ErrInvalidBundle, "metadata declares %d features, bundle has %d",
			b.Metadata.FeatureCount, len(b.FeatureNames))
	}
	if _, err := os.Stat(dir); err == nil {
		return eris.Errorf("artifact: write: %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create parent of %s", dir)
	}

	staging := stagingName(dir)
	if err := os.Mkdir(staging, 0o755); err != nil {
		return eris.Wrapf(err, "artifact: create staging dir %s", staging)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(staging) //nolint:errcheck
		}
	}()

	mf, err := os.Create(filepath.Join(staging, ModelFile))
	if err != nil {
		return eris.Wrap(err, "artifact: create model file")
	}
	if err := b.Model.Save(mf); err != nil {
		mf.Close() //nolint:errcheck
		return err
	}
	if err := mf.Sync(); err != nil {
		mf.Close() //nolint:errcheck
		return eris.Wrap(err, "artifact: sync model file")
	}
	if err := mf.Close(); err != nil {
		return eris.Wrap(err, "artifact: close model file")
	}

	if err := writeJSON(filepath.Join(staging, FeatureNamesFile), b.FeatureNames); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(staging, MetadataFile), b.Metadata); err != nil {
		return err
	}

	if err := os.Rename(staging, dir); err != nil {
		return eris.Wrapf(err, "artifact: publish %s", dir)
	}
	cleanup = false
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "artifact: marshal %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "artifact: write %s", filepath.Base(path))
	}
	return nil
}

// stagingName returns a hidden sibling path for building dir.
func stagingName(dir string) string {
	return filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".tmp-"+uuid.NewString()[:8])
}

// NewVersionTag returns a unique, time-ordered tag for a bundle created at t.
func NewVersionTag(t time.Time) string {
	return t.UTC().Format("20060102_150405") + "-" + uuid.NewString()[:8]
}
