package ingress

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
)

// The fingerprint tuples, in their fixed concatenation order. The national
// post number may legitimately be absent.
var (
	placementFingerprintFields = []string{
		"specialty", "grade", "nationalPostNumber", "employingBody", "site", "dateFrom", "dateTo",
	}
	programmeFingerprintFields = []string{
		"programmeName", "startDate", "endDate",
	}

	optionalFingerprintFields = map[string]bool{
		"nationalPostNumber": true,
	}
)

// Fingerprint computes the MD5 content fingerprint of an update event's
// record data.
func Fingerprint(t credential.Type, record gjson.Result) (string, error) {
	if !record.Exists() {
		return "", trace.BadParameter("update event has no record data")
	}

	var fields []string
	switch t {
	case credential.TypePlacement:
		fields = placementFingerprintFields
	case credential.TypeProgramme:
		fields = programmeFingerprintFields
	default:
		return "", trace.BadParameter("unknown credential type %q", string(t))
	}

	var builder strings.Builder
	for _, field := range fields {
		value := record.Get(field)
		if !value.Exists() && !optionalFingerprintFields[field] {
			return "", trace.BadParameter("update event is missing the %q field", field)
		}
		builder.WriteString(value.String())
	}

	digest := md5.Sum([]byte(builder.String()))
	return hex.EncodeToString(digest[:]), nil
}
