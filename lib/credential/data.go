package credential

import (
	"time"

	"github.com/gravitational/trace"
)

// Wire claim names for the programme membership credential.
const (
	ClaimProgrammeName      = "TPR-Name"
	ClaimProgrammeStartDate = "TPR-ProgrammeStartDate"
	ClaimProgrammeEndDate   = "TPR-ProgrammeEndDate"
)

// Wire claim names for the placement credential.
const (
	ClaimPlacementSpecialty     = "TPL-Specialty"
	ClaimPlacementGrade         = "TPL-Grade"
	ClaimPlacementNPN           = "TPL-PlacementNPN"
	ClaimPlacementEmployingBody = "TPL-EmployingBodyOfPost"
	ClaimPlacementSite          = "TPL-Site"
	ClaimPlacementStartDate     = "TPL-PlacementStartDate"
	ClaimPlacementEndDate       = "TPL-PlacementEndDate"
)

// Data is the tagged variant over the credential payloads accepted by the
// issuance endpoints.
type Data interface {
	// CredentialType returns the variant discriminator.
	CredentialType() Type
	// TisID returns the upstream record-of-truth identifier.
	TisID() string
	// Claims maps the payload to its wire-level claim names, including the
	// derived metadata block.
	Claims(now time.Time) map[string]interface{}
	// CheckAndSetDefaults validates the payload.
	CheckAndSetDefaults() error
}

// ProgrammeData is the issuance payload for a training programme membership.
type ProgrammeData struct {
	ID            string `json:"tisId"`
	ProgrammeName string `json:"programmeName"`
	StartDate     Date   `json:"startDate"`
	EndDate       Date   `json:"endDate"`
}

// CredentialType implements Data.
func (d ProgrammeData) CredentialType() Type { return TypeProgramme }

// TisID implements Data.
func (d ProgrammeData) TisID() string { return d.ID }

// CheckAndSetDefaults implements Data.
func (d ProgrammeData) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("missing required value tisId")
	}
	if d.ProgrammeName == "" {
		return trace.BadParameter("missing required value programmeName")
	}
	if d.StartDate.IsZero() {
		return trace.BadParameter("missing required value startDate")
	}
	if d.EndDate.IsZero() {
		return trace.BadParameter("missing required value endDate")
	}
	return nil
}

// Claims implements Data.
func (d ProgrammeData) Claims(now time.Time) map[string]interface{} {
	claims := metadataClaims(now)
	claims[ClaimProgrammeName] = d.ProgrammeName
	claims[ClaimProgrammeStartDate] = d.StartDate.String()
	claims[ClaimProgrammeEndDate] = d.EndDate.String()
	return claims
}

// PlacementData is the issuance payload for a clinical placement.
type PlacementData struct {
	ID                 string `json:"tisId"`
	Specialty          string `json:"specialty"`
	Grade              string `json:"grade"`
	NationalPostNumber string `json:"nationalPostNumber,omitempty"`
	EmployingBody      string `json:"employingBody"`
	Site               string `json:"site"`
	StartDate          Date   `json:"startDate"`
	EndDate            Date   `json:"endDate"`
}

// CredentialType implements Data.
func (d PlacementData) CredentialType() Type { return TypePlacement }

// TisID implements Data.
func (d PlacementData) TisID() string { return d.ID }

// CheckAndSetDefaults implements Data.
// The national post number is optional, everything else is required.
func (d PlacementData) CheckAndSetDefaults() error {
	if d.ID == "" {
		return trace.BadParameter("missing required value tisId")
	}
	if d.Specialty == "" {
		return trace.BadParameter("missing required value specialty")
	}
	if d.Grade == "" {
		return trace.BadParameter("missing required value grade")
	}
	if d.EmployingBody == "" {
		return trace.BadParameter("missing required value employingBody")
	}
	if d.Site == "" {
		return trace.BadParameter("missing required value site")
	}
	if d.StartDate.IsZero() {
		return trace.BadParameter("missing required value startDate")
	}
	if d.EndDate.IsZero() {
		return trace.BadParameter("missing required value endDate")
	}
	return nil
}

// Claims implements Data.
func (d PlacementData) Claims(now time.Time) map[string]interface{} {
	claims := metadataClaims(now)
	claims[ClaimPlacementSpecialty] = d.Specialty
	claims[ClaimPlacementGrade] = d.Grade
	claims[ClaimPlacementNPN] = d.NationalPostNumber
	claims[ClaimPlacementEmployingBody] = d.EmployingBody
	claims[ClaimPlacementSite] = d.Site
	claims[ClaimPlacementStartDate] = d.StartDate.String()
	claims[ClaimPlacementEndDate] = d.EndDate.String()
	return claims
}

// The metadata block is constant at mapping time, except for the refresh
// date. It forms part of the canonical credential body but is never an input
// from the caller.
const (
	metadataOrigin             = "NHS England"
	metadataAssurancePolicy    = "GPG 45"
	metadataAssuranceOutcome   = "Verified"
	metadataProvider           = "NHS England"
	metadataVerifier           = "NHS England"
	metadataVerificationMethod = "Record Verification"
	metadataPedigree           = "Authoritative"
)

func metadataClaims(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"Origin":             metadataOrigin,
		"AssurancePolicy":    metadataAssurancePolicy,
		"AssuranceOutcome":   metadataAssuranceOutcome,
		"Provider":           metadataProvider,
		"Verifier":           metadataVerifier,
		"VerificationMethod": metadataVerificationMethod,
		"Pedigree":           metadataPedigree,
		"LastRefresh":        now.UTC().Format(ISODate),
	}
}
