package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/labqms/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// Evaluator resolves the capabilities of a caller.
type Evaluator interface {
	ResolveCapabilities(rctx *model.RequestContext) (Set, error)
}

// StaticPolicy resolves capabilities from a YAML file mapping roles to
// capability strings:
//
//	roles:
//	  author: [document:create, document:revise, workflow:create, workflow:submit]
//	  qa_manager: ["document:*", "workflow:*"]
type StaticPolicy struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicy loads the policy at path.
func NewStaticPolicy(path string) (*StaticPolicy, error) {
	p := &StaticPolicy{path: path}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	return p, nil
}

// ResolveCapabilities returns the union of the capabilities of every role
// the caller holds. Unknown roles grant nothing.
func (p *StaticPolicy) ResolveCapabilities(rctx *model.RequestContext) (Set, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	caps := make(Set)
	for _, role := range rctx.Roles {
		for _, cap := range p.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Roles returns the number of roles the policy defines.
func (p *StaticPolicy) Roles() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.policy.Roles)
}

// Sync reloads the policy file from disk. A failed reload keeps the
// previous policy.
func (p *StaticPolicy) Sync() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", p.path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", p.path, err)
	}
	if len(pf.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s defines no roles", p.path)
	}

	p.mu.Lock()
	p.policy = pf
	p.mu.Unlock()

	return nil
}
