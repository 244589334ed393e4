package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/subscout/api/schemas"
)

func TestRegistry(t *testing.T) {
	reg := Default()
	assert.Equal(t, []string{"disney", "netflix", "spotify"}, reg.IDs())

	t.Run("Lookup", func(t *testing.T) {
		p, err := reg.Lookup("netflix")
		require.NoError(t, err)
		assert.Equal(t, "netflix", p.ID())

		_, err = reg.Lookup("hulu")
		ae, ok := schemas.AsActionError(err)
		require.True(t, ok)
		assert.Equal(t, schemas.KindServer, ae.Kind)
		assert.Equal(t, schemas.CodeUnknownProvider, ae.Code)
	})

	t.Run("Action", func(t *testing.T) {
		for _, name := range []schemas.ActionName{schemas.ActionConnect, schemas.ActionCancel, schemas.ActionResume} {
			act, err := reg.Action("spotify", name)
			require.NoError(t, err, name)
			assert.NotNil(t, act)
		}

		act, err := reg.Action("disney", schemas.ActionRegister)
		require.NoError(t, err)
		assert.NotNil(t, act)

		_, err = reg.Action("netflix", schemas.ActionRegister)
		ae, ok := schemas.AsActionError(err)
		require.True(t, ok)
		assert.Equal(t, schemas.CodeUnknownAction, ae.Code)
	})

	t.Run("Capabilities", func(t *testing.T) {
		assert.Equal(t, []schemas.ActionName{schemas.ActionConnect, schemas.ActionCancel, schemas.ActionResume, schemas.ActionRegister},
			reg.Capabilities("disney"))
		assert.NotContains(t, reg.Capabilities("spotify"), schemas.ActionRegister)
		assert.Nil(t, reg.Capabilities("hulu"))
	})

	t.Run("StartURL", func(t *testing.T) {
		u, err := reg.StartURL("netflix")
		require.NoError(t, err)
		assert.Equal(t, netflixAccountURL, u)
	})
}
