package credential

import (
	"github.com/gravitational/trace"
)

// Type is the closed set of credential types the service can issue.
type Type string

const (
	// TypeProgramme is a credential describing a training programme
	// membership.
	TypeProgramme Type = "TRAINING_PROGRAMME"
	// TypePlacement is a credential describing a clinical placement.
	TypePlacement Type = "TRAINING_PLACEMENT"
)

// AllTypes lists every credential type.
var AllTypes = []Type{TypeProgramme, TypePlacement}

// DisplayName returns the human-readable name stored on issued-credential
// metadata.
func (t Type) DisplayName() string {
	switch t {
	case TypeProgramme:
		return "Training Programme"
	case TypePlacement:
		return "Training Placement"
	}
	return string(t)
}

// TemplateName returns the gateway credential template name used by the
// revocation endpoint.
func (t Type) TemplateName() string {
	switch t {
	case TypeProgramme:
		return "TrainingProgramme"
	case TypePlacement:
		return "TrainingPlacement"
	}
	return string(t)
}

// IssuanceScope returns the gateway scope requested when issuing a
// credential of this type.
func (t Type) IssuanceScope() string {
	return "issue." + t.TemplateName()
}

// Check validates that the type belongs to the closed set.
func (t Type) Check() error {
	switch t {
	case TypeProgramme, TypePlacement:
		return nil
	}
	return trace.BadParameter("unknown credential type %q", string(t))
}

// TypeFromPath resolves a credential type from the trailing segment of an
// issuance path.
func TypeFromPath(suffix string) (Type, error) {
	switch suffix {
	case "programme-membership":
		return TypeProgramme, nil
	case "placement":
		return TypePlacement, nil
	}
	return "", trace.BadParameter("no credential type for path %q", suffix)
}

// TypeFromDisplayName resolves a credential type from its display name.
func TypeFromDisplayName(name string) (Type, error) {
	for _, t := range AllTypes {
		if t.DisplayName() == name {
			return t, nil
		}
	}
	return "", trace.BadParameter("no credential type with display name %q", name)
}
