package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ilocn/specwork/internal/spec"
	"github.com/ilocn/specwork/internal/workspace"
)

// ErrUnknownRepo is returned for a reference whose alias is not configured.
var ErrUnknownRepo = errors.New("unknown repository alias")

// Resolver looks up a spec in another repository.
type Resolver interface {
	Resolve(alias, id string) (*spec.Spec, error)
}

// RepoResolver resolves aliases from the repos config map (alias -> repo
// root) by reading that repository's spec records.
type RepoResolver struct {
	repos map[string]string

	mu     sync.Mutex
	stores map[string]*spec.Store
}

// NewRepoResolver returns a resolver over repos.
func NewRepoResolver(repos map[string]string) *RepoResolver {
	return &RepoResolver{repos: repos, stores: make(map[string]*spec.Store)}
}

// Resolve loads id from the repository registered as alias.
func (r *RepoResolver) Resolve(alias, id string) (*spec.Spec, error) {
	root, ok := r.repos[alias]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRepo, alias)
	}
	r.mu.Lock()
	st, ok := r.stores[alias]
	if !ok {
		st = spec.NewStore(workspace.SpecsDirFor(root))
		r.stores[alias] = st
	}
	r.mu.Unlock()
	return st.Load(id)
}
