package credential

import (
	"github.com/gravitational/trace"
)

// Identity claim names returned by the gateway identity scope.
const (
	ClaimIdentityFirstName = "Identity.ID-LegalFirstName"
	ClaimIdentitySurname   = "Identity.ID-LegalSurname"
	ClaimIdentityBirthDate = "Identity.ID-BirthDate"
)

// Identity is the personal data submitted for identity verification.
type Identity struct {
	Forenames   string `json:"forenames"`
	Surname     string `json:"surname"`
	DateOfBirth Date   `json:"dateOfBirth"`
}

// CheckAndSetDefaults validates the identity payload.
func (i Identity) CheckAndSetDefaults() error {
	if i.Forenames == "" {
		return trace.BadParameter("missing required value forenames")
	}
	if i.Surname == "" {
		return trace.BadParameter("missing required value surname")
	}
	if i.DateOfBirth.IsZero() {
		return trace.BadParameter("missing required value dateOfBirth")
	}
	return nil
}
