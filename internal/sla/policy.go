package sla

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// PolicyFile is looked up in the data directory; YAML spellings are
	// accepted as well.
	PolicyFile           = "sla_policy.json"
	DefaultPolicyVersion = "2024-Q4"
	DefaultCurrency      = "USD"
)

var policyFiles = []string{PolicyFile, "sla_policy.yaml", "sla_policy.yml"}

type CreditRule struct {
	Currency    string  `json:"currency"`
	PerBreach   float64 `json:"per_breach"`
	BonusPerHit float64 `json:"bonus_per_hit"`
	Notes       string  `json:"notes,omitempty"`
}

type Spec struct {
	Name       string     `json:"name"`
	Metric     string     `json:"metric"`
	Threshold  float64    `json:"threshold"`
	Window     string     `json:"window"`
	CreditRule CreditRule `json:"credit_rule"`
}

type Policy struct {
	Version string `json:"version"`
	Specs   []Spec `json:"specs"`
	// Source is the file the policy came from; empty for built-in defaults.
	Source string `json:"source,omitempty"`
}

// DefaultSpecs returns a fresh copy of the built-in policy.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name: "72h Delivery", Metric: MetricDeliveryHours, Threshold: 72,
			Window:     "order.approved -> shipment.delivered",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 150, BonusPerHit: 5, Notes: "Credit if delivery exceeds 72h."},
		},
		{
			Name: "First-Pass Approvals", Metric: MetricFirstPass, Threshold: 0.98,
			Window:     "order.created -> order.approved",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 75, BonusPerHit: 2.5, Notes: "Targeting ≥98% first pass approvals."},
		},
		{
			Name: "Zero Compliance Lapses", Metric: MetricComplianceLapses, Threshold: 0,
			Window:     "order lifecycle",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 100, Notes: "No compliance lapses allowed."},
		},
		{
			Name: "DSO ≤28d", Metric: MetricDSODays, Threshold: 28,
			Window:     "shipment.delivered -> claim.paid",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 200, BonusPerHit: 10, Notes: "Maintain cash velocity."},
		},
		{
			Name: "Audit Ready", Metric: MetricAuditReadiness, Threshold: 1,
			Window:     "order.created -> audit.vaulted",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 120, Notes: "Every order must be audit-ready."},
		},
		{
			Name: "Live Status", Metric: MetricStatusLatency, Threshold: 1,
			Window:     "most recent status update",
			CreditRule: CreditRule{Currency: DefaultCurrency, PerBreach: 50, Notes: "Surface live order status updates."},
		},
	}
}

// DefaultPolicy is the built-in policy bundle.
func DefaultPolicy() Policy {
	return Policy{Version: DefaultPolicyVersion, Specs: DefaultSpecs()}
}

const policySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["specs"],
  "properties": {
    "version": {"type": ["string", "number"]},
    "specs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "metric", "threshold", "window", "credit_rule"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "metric": {"type": "string", "minLength": 1},
          "threshold": {"type": "number"},
          "window": {"type": "string"},
          "credit_rule": {
            "type": "object",
            "properties": {
              "currency": {"type": "string"},
              "per_breach": {"type": "number", "minimum": 0},
              "bonus_per_hit": {"type": "number", "minimum": 0},
              "notes": {"type": ["string", "null"]}
            }
          }
        }
      }
    }
  }
}`

const policySchemaRef = "sla_policy.schema.json"

var compiledPolicySchema = mustCompileSchema([]byte(policySchema), policySchemaRef)

func mustCompileSchema(b []byte, ref string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ref, bytes.NewReader(b)); err != nil {
		panic(err)
	}
	return c.MustCompile(ref)
}

// ErrNoPolicyFile reports that no policy file exists in the data directory.
var ErrNoPolicyFile = errors.New("no sla policy file")

// FindPolicyFile returns the first policy file present in dataDir.
func FindPolicyFile(dataDir string) (string, error) {
	for _, name := range policyFiles {
		p := filepath.Join(dataDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNoPolicyFile
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]any, error) {
	return nil, errors.New("bytesProvider does not support Read")
}

// loadPolicyDoc loads path into k. A document that is a bare list of specs
// is treated as {"specs": [...]}.
func loadPolicyDoc(k *koanf.Koanf, path string) error {
	err := k.Load(file.Provider(path), yaml.Parser())
	if err == nil {
		return nil
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return err
	}
	var list []any
	if yamlv3.Unmarshal(data, &list) != nil || list == nil {
		return err
	}
	wrapped, mErr := json.Marshal(map[string]any{"specs": normalizeYAML(list)})
	if mErr != nil {
		return mErr
	}
	return k.Load(bytesProvider(wrapped), yaml.Parser())
}

// normalizeYAML turns yaml.v3 map[string]any trees into JSON-encodable values.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for key, val := range t {
			t[key] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for key, val := range t {
			out[fmt.Sprint(key)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

// ReadPolicyFile loads and validates one policy document: an object with
// version and specs, or a bare list of specs.
func ReadPolicyFile(path string) (Policy, error) {
	k := koanf.New("::")
	if err := loadPolicyDoc(k, path); err != nil {
		return Policy{}, fmt.Errorf("read sla policy %s: %w", path, err)
	}
	raw, err := json.Marshal(k.Raw())
	if err != nil {
		return Policy{}, fmt.Errorf("normalize sla policy: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Policy{}, fmt.Errorf("normalize sla policy: %w", err)
	}
	if err := compiledPolicySchema.Validate(doc); err != nil {
		return Policy{}, fmt.Errorf("invalid sla policy %s: %w", path, err)
	}

	var p Policy
	if err := k.UnmarshalWithConf("", &p, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return Policy{}, fmt.Errorf("decode sla policy: %w", err)
	}
	if v, ok := k.Get("version").(string); !ok || strings.TrimSpace(v) == "" {
		if k.Exists("version") {
			p.Version = fmt.Sprint(k.Get("version"))
		} else {
			p.Version = DefaultPolicyVersion
		}
	}
	for i := range p.Specs {
		if p.Specs[i].CreditRule.Currency == "" {
			p.Specs[i].CreditRule.Currency = DefaultCurrency
		}
	}
	p.Source = path
	return p, nil
}

// LoadPolicy returns the policy file from dataDir, or the defaults when the
// file is missing or invalid.
func LoadPolicy(dataDir string, logger *slog.Logger) Policy {
	if logger == nil {
		logger = slog.Default()
	}
	path, err := FindPolicyFile(dataDir)
	if err != nil {
		return DefaultPolicy()
	}
	p, err := ReadPolicyFile(path)
	if err != nil {
		logger.Warn("sla policy rejected, using defaults", "path", path, "err", err)
		return DefaultPolicy()
	}
	return p
}
