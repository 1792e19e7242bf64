// Package trust implements the audience trust policy for upstream ID tokens.
//
// The configured client id is always trusted. Operators can extend trust to
// additional audiences (for example a provider-side project id) with a regex
// that must match the whole audience value, never a substring.
package trust

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyClientID is returned when a policy is built without a client id.
var ErrEmptyClientID = errors.New("client id is required")

// Policy evaluates whether an audience claim is trusted.
// A Policy is immutable once built; configuration reload replaces it wholesale.
type Policy struct {
	clientID string
	extra    *regexp.Regexp
}

// New builds a Policy from the primary client id and an optional extra
// audience pattern. The pattern is anchored if it is not already, so that
// "proj-123" cannot accidentally trust "proj-1234".
func New(clientID, extraPattern string) (*Policy, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	p := &Policy{clientID: clientID}

	if extraPattern != "" {
		// Re-anchor regardless of what the operator wrote. The group keeps
		// alternations like "a|b" from escaping the anchors.
		inner := strings.TrimSuffix(strings.TrimPrefix(extraPattern, "^"), "$")
		re, err := regexp.Compile("^(?:" + inner + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid trusted audience pattern %q: %w", extraPattern, err)
		}
		p.extra = re
	}

	return p, nil
}

// IsTrusted reports whether a single audience value is trusted.
func (p *Policy) IsTrusted(audience string) bool {
	if audience == p.clientID {
		return true
	}
	if p.extra != nil {
		return p.extra.MatchString(audience)
	}
	return false
}

// AnyTrusted reports whether at least one of the audiences is trusted.
// ID tokens may carry multiple audience values; trust in any one of them
// is sufficient per OIDC Core Section 3.1.3.7.
func (p *Policy) AnyTrusted(audiences []string) bool {
	for _, aud := range audiences {
		if p.IsTrusted(aud) {
			return true
		}
	}
	return false
}
