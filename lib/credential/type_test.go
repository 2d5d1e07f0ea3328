package credential

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeNames(t *testing.T) {
	require.Equal(t, "Training Programme", TypeProgramme.DisplayName())
	require.Equal(t, "TrainingProgramme", TypeProgramme.TemplateName())
	require.Equal(t, "issue.TrainingProgramme", TypeProgramme.IssuanceScope())

	require.Equal(t, "Training Placement", TypePlacement.DisplayName())
	require.Equal(t, "TrainingPlacement", TypePlacement.TemplateName())
	require.Equal(t, "issue.TrainingPlacement", TypePlacement.IssuanceScope())
}

func TestTypeCheck(t *testing.T) {
	for _, typ := range AllTypes {
		require.NoError(t, typ.Check())
	}
	require.Error(t, Type("DRIVING_LICENCE").Check())
}

func TestTypeFromPath(t *testing.T) {
	typ, err := TypeFromPath("programme-membership")
	require.NoError(t, err)
	require.Equal(t, TypeProgramme, typ)

	typ, err = TypeFromPath("placement")
	require.NoError(t, err)
	require.Equal(t, TypePlacement, typ)

	_, err = TypeFromPath("passport")
	require.Error(t, err)
}

func TestTypeFromDisplayName(t *testing.T) {
	typ, err := TypeFromDisplayName("Training Placement")
	require.NoError(t, err)
	require.Equal(t, TypePlacement, typ)

	_, err = TypeFromDisplayName("Placement")
	require.Error(t, err)
}
