package plugin

import (
	"fmt"
	"strings"

	apperrors "mediad/internal/errors"
)

// Policy decides whether a descriptor may be loaded. It runs before the
// plugin's setup function.
type Policy interface {
	Validate(desc Descriptor) error
}

// AllowAll accepts every plugin.
type AllowAll struct{}

// Validate implements Policy.
func (AllowAll) Validate(Descriptor) error { return nil }

// ListPolicy allows or denies plugins by short name. Deny wins over allow;
// an empty allow list allows everything not denied.
type ListPolicy struct {
	Allow []string
	Deny  []string
}

// Validate implements Policy.
func (p ListPolicy) Validate(desc Descriptor) error {
	if containsFold(p.Deny, desc.ShortName) {
		return apperrors.New(apperrors.CodePolicyDenied, fmt.Sprintf("plugin %s is explicitly denied", desc.ShortName))
	}
	if len(p.Allow) == 0 {
		return nil
	}
	if !containsFold(p.Allow, desc.ShortName) {
		return apperrors.New(apperrors.CodePolicyDenied, fmt.Sprintf("plugin %s not permitted", desc.ShortName))
	}
	return nil
}

// NewPolicy returns AllowAll if policy is nil.
func NewPolicy(policy Policy) Policy {
	if policy == nil {
		return AllowAll{}
	}
	return policy
}

func containsFold(list []string, name string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), name) {
			return true
		}
	}
	return false
}
