// Package urifetch resolves the full URIs a CipherReference or ds:Transform
// chain may name (spec.md §4.5 setUri's "full URI → fetch" branch), subject
// to an allow/deny policy so a decrypt operation can never be turned into an
// SSRF probe against arbitrary internal hosts.
package urifetch

import "github.com/ryanuber/go-glob"

// Policy is an ordered allow/deny glob list evaluated against a URI: the
// last matching pattern wins, and a URI matching no pattern is denied by
// default. Patterns use shell-style globs (`*`, `?`) via
// github.com/ryanuber/go-glob, one of the teacher's go.mod dependencies that
// the original S3-gateway scope never actually exercised — the allow/deny
// enforcement setUri requires is precisely the "policy matcher" shape that
// dependency exists for.
type Policy struct {
	rules []rule
}

type rule struct {
	pattern string
	allow   bool
}

// NewPolicy builds a Policy from ordered allow/deny globs. Pass nil/empty
// slices to build a deny-everything policy (the safe default for a fetch
// stage nobody has configured).
func NewPolicy(allow, deny []string) *Policy {
	p := &Policy{}
	for _, pat := range allow {
		p.rules = append(p.rules, rule{pattern: pat, allow: true})
	}
	for _, pat := range deny {
		p.rules = append(p.rules, rule{pattern: pat, allow: false})
	}
	return p
}

// Allowed reports whether uri matches an allow rule without a later-ordered
// deny rule also matching. Rules are evaluated in the order built by
// NewPolicy (allow first, then deny), and the LAST matching rule wins,
// so a caller can widen an allow list with a narrower trailing deny.
func (p *Policy) Allowed(uri string) bool {
	allowed := false
	for _, r := range p.rules {
		if glob.Glob(r.pattern, uri) {
			allowed = r.allow
		}
	}
	return allowed
}
