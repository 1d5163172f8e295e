package healthmon

import (
	_ "embed"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed triggers.yaml
var defaultRegistry []byte

// ProbeKind selects the synthetic check run against a trigger.
type ProbeKind string

const (
	ProbeSalesChange          ProbeKind = "sales_change"
	ProbeCustomerReactivation ProbeKind = "customer_reactivation"
	ProbeInventory            ProbeKind = "inventory"
	ProbeDeliveryOrder        ProbeKind = "delivery_order"
	ProbeDeliveryPrediction   ProbeKind = "delivery_prediction"
)

var knownProbes = map[ProbeKind]bool{
	ProbeSalesChange:          true,
	ProbeCustomerReactivation: true,
	ProbeInventory:            true,
	ProbeDeliveryOrder:        true,
	ProbeDeliveryPrediction:   true,
}

// Trigger is one registry entry.
type Trigger struct {
	Name           string    `yaml:"name"`
	Table          string    `yaml:"table"`
	Probe          ProbeKind `yaml:"probe"`
	Critical       bool      `yaml:"critical"`
	ExpectedStatus string    `yaml:"expected_status,omitempty"`
	Description    string    `yaml:"description,omitempty"`
}

// Registry lists the watched triggers in check order.
type Registry struct {
	Triggers []Trigger `yaml:"triggers"`
}

// LoadRegistry reads the registry at path, or the embedded default when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return ParseRegistry(defaultRegistry)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "healthmon: read registry %s", path)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a registry document. The document has a
// top-level "health" key.
func ParseRegistry(data []byte) (*Registry, error) {
	var wrapper struct {
		Health Registry `yaml:"health"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "healthmon: parse registry")
	}
	reg := &wrapper.Health
	if len(reg.Triggers) == 0 {
		return nil, eris.New("healthmon: registry lists no triggers")
	}

	seen := make(map[string]bool, len(reg.Triggers))
	for i, t := range reg.Triggers {
		switch {
		case t.Name == "" || t.Table == "":
			return nil, eris.Errorf("healthmon: trigger %d needs name and table", i)
		case seen[t.Name]:
			return nil, eris.Errorf("healthmon: duplicate trigger %q", t.Name)
		case !knownProbes[t.Probe]:
			return nil, eris.Errorf("healthmon: trigger %q has unknown probe %q", t.Name, t.Probe)
		}
		if (t.Probe == ProbeDeliveryOrder || t.Probe == ProbeDeliveryPrediction) && t.ExpectedStatus == "" {
			return nil, eris.Errorf("healthmon: trigger %q needs expected_status", t.Name)
		}
		seen[t.Name] = true
	}
	return reg, nil
}

// Critical returns the triggers flagged critical.
func (r *Registry) Critical() []Trigger {
	var out []Trigger
	for _, t := range r.Triggers {
		if t.Critical {
			out = append(out, t)
		}
	}
	return out
}
