package pipeline

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/openonco/coverage-cli/internal/model"
)

// PolicyTarget is one registry entry: a known policy URL to refresh.
type PolicyTarget struct {
	PayerID  string `yaml:"payer_id"`
	PolicyID string `yaml:"policy_id"`
	URL      string `yaml:"url"`
	DocType  string `yaml:"doc_type,omitempty"` // extraction hint
}

// Registry is the reviewed set of policy sources. Approved discoveries get
// promoted into this file by an operator; the pipeline itself never adds
// entries.
type Registry struct {
	Policies []PolicyTarget `yaml:"policies"`

	// IndexPages are per-payer listing pages crawled by discovery.
	IndexPages map[string][]string `yaml:"index_pages,omitempty"`
}

// LoadRegistry reads and validates a policy registry YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}

	seen := make(map[string]bool, len(reg.Policies))
	for i, p := range reg.Policies {
		if p.PayerID == "" || p.PolicyID == "" || p.URL == "" {
			return nil, eris.Wrapf(model.ErrInvalidInput,
				"registry: entry %d missing payer_id, policy_id, or url", i)
		}
		key := p.PayerID + "/" + p.PolicyID
		if seen[key] {
			return nil, eris.Wrapf(model.ErrInvalidInput, "registry: duplicate entry %s", key)
		}
		seen[key] = true
	}
	return &reg, nil
}

// ForPayer returns the targets for one payer, or all targets when payerID is
// empty.
func (r *Registry) ForPayer(payerID string) []PolicyTarget {
	if payerID == "" {
		return r.Policies
	}
	var out []PolicyTarget
	for _, p := range r.Policies {
		if p.PayerID == payerID {
			out = append(out, p)
		}
	}
	return out
}

// KnownURL reports whether a URL is already registered.
func (r *Registry) KnownURL(url string) bool {
	for _, p := range r.Policies {
		if p.URL == url {
			return true
		}
	}
	return false
}
