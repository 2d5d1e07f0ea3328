package token

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Health-Education-England/tis-trainee-credentials-sub000/lib/credential"
)

func testCodec(t *testing.T, clock clockwork.Clock) *Codec {
	t.Helper()
	codec, err := NewCodec(CodecConfig{
		Secret:   base64.StdEncoding.EncodeToString([]byte("codec-secret")),
		Audience: "https://gateway.test",
		Issuer:   "https://credentials.test",
	}, clock)
	require.NoError(t, err)
	return codec
}

func TestCodecConfigValidation(t *testing.T) {
	valid := CodecConfig{
		Secret:   base64.StdEncoding.EncodeToString([]byte("secret")),
		Audience: "aud",
		Issuer:   "iss",
	}
	require.NoError(t, valid.CheckAndSetDefaults())

	noSecret := valid
	noSecret.Secret = ""
	require.Error(t, noSecret.CheckAndSetDefaults())

	badSecret := valid
	badSecret.Secret = "not base64 at all!!!"
	require.Error(t, badSecret.CheckAndSetDefaults())
}

func TestSignCarriesWireClaims(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	codec := testCodec(t, clock)

	signed, err := codec.Sign(credential.PlacementData{
		ID:            "PL1",
		Specialty:     "Cardiology",
		Grade:         "ST3",
		EmployingBody: "Trust1",
		Site:          "Hospital1",
		StartDate:     credential.NewDate(2024, time.January, 1),
		EndDate:       credential.NewDate(2024, time.June, 30),
	})
	require.NoError(t, err)

	claims, err := ParseUnverified(signed)
	require.NoError(t, err)
	require.Equal(t, "https://gateway.test", StringClaim(claims, "aud"))
	require.Equal(t, "https://credentials.test", StringClaim(claims, "iss"))
	require.Equal(t, "Cardiology", StringClaim(claims, credential.ClaimPlacementSpecialty))
	require.Equal(t, "Trust1", StringClaim(claims, credential.ClaimPlacementEmployingBody))
	require.Equal(t, "2024-01-01", StringClaim(claims, credential.ClaimPlacementStartDate))

	iat, ok := TimeClaim(claims, "iat")
	require.True(t, ok)
	require.Equal(t, clock.Now().UTC(), iat)
	exp, ok := TimeClaim(claims, "exp")
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(DefaultLifetime).UTC(), exp)
}

func TestLifetimeOverrides(t *testing.T) {
	codec, err := NewCodec(CodecConfig{
		Secret:   base64.StdEncoding.EncodeToString([]byte("secret")),
		Audience: "aud",
		Issuer:   "iss",
		Lifetimes: map[string]time.Duration{
			"TrainingPlacement": 12 * time.Hour,
		},
	}, clockwork.NewFakeClock())
	require.NoError(t, err)

	require.Equal(t, 12*time.Hour, codec.Lifetime(credential.TypePlacement))
	require.Equal(t, DefaultLifetime, codec.Lifetime(credential.TypeProgramme))
}

func TestStripBearer(t *testing.T) {
	require.Equal(t, "abc.def.ghi", StripBearer("Bearer abc.def.ghi"))
	require.Equal(t, "abc.def.ghi", StripBearer("  abc.def.ghi "))
}

func TestParseUnverifiedToleratesStrippedSignature(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"origin_jti": "session1",
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)

	claims, err := ParseUnverified(parts[0] + "." + parts[1])
	require.NoError(t, err)
	require.Equal(t, "session1", StringClaim(claims, "origin_jti"))
}

func TestParseUnverifiedRejectsGarbage(t *testing.T) {
	_, err := ParseUnverified("not-a-token")
	require.Error(t, err)
}

func TestTimeClaim(t *testing.T) {
	instant := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, claims := range map[string]jwt.MapClaims{
		"number": {"iat": float64(instant.Unix())},
		"string": {"iat": "1714564800"},
	} {
		parsed, ok := TimeClaim(claims, "iat")
		require.True(t, ok, name)
		require.Equal(t, instant, parsed, name)
	}

	_, ok := TimeClaim(jwt.MapClaims{}, "iat")
	require.False(t, ok)
	_, ok = TimeClaim(jwt.MapClaims{"iat": "next tuesday"}, "iat")
	require.False(t, ok)
}
