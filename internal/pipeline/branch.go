package pipeline

import (
	"sort"
	"strings"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// DefaultProtectedBranches are always protected; configuration only adds to them.
var DefaultProtectedBranches = []string{"main", "master", "production", "develop"}

// BranchGuard rejects writes to protected branches unless forced.
type BranchGuard struct {
	protected map[string]bool
}

// NewBranchGuard protects the defaults plus extra.
func NewBranchGuard(extra []string) *BranchGuard {
	g := &BranchGuard{protected: map[string]bool{}}
	for _, b := range append(append([]string{}, DefaultProtectedBranches...), extra...) {
		if b = strings.TrimSpace(b); b != "" {
			g.protected[b] = true
		}
	}
	return g
}

// Protected reports whether branch is on the list.
func (g *BranchGuard) Protected(branch string) bool {
	return g.protected[branch]
}

// Check returns a *BranchError for a protected branch unless force is set.
func (g *BranchGuard) Check(branch string, force bool) error {
	if force || !g.Protected(branch) {
		return nil
	}
	return &gitbakdErrors.BranchError{Branch: branch}
}

// Branches returns the protected branch names in sorted order.
func (g *BranchGuard) Branches() []string {
	out := make([]string, 0, len(g.protected))
	for b := range g.protected {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
