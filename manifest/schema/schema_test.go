package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/manifest/schema"
)

func TestRegisterBuiltinsAndValidate(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.RegisterBuiltins())
	require.True(t, r.Known("filesystem"))
	require.True(t, r.Known("http-client"))
	require.False(t, r.Known("no-such-type"))

	ok, err := r.Validate("filesystem", map[string]any{
		"allowed_paths": []any{"/tmp", "/var/data"},
	})
	require.True(t, ok)
	require.NoError(t, err)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.RegisterBuiltins())

	ok, err := r.Validate("filesystem", map[string]any{})
	require.True(t, ok)
	require.Error(t, err)
}

func TestValidateRejectsUnknownField(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.RegisterBuiltins())

	ok, err := r.Validate("filesystem", map[string]any{
		"allowed_paths": []any{"/tmp"},
		"unexpected":    true,
	})
	require.True(t, ok)
	require.Error(t, err)
}

func TestValidateUnregisteredTypeReturnsNotOK(t *testing.T) {
	r := schema.NewRegistry()
	ok, err := r.Validate("mystery", map[string]any{})
	require.False(t, ok)
	require.NoError(t, err)
}

func TestRegisterCustomSchema(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register("custom", []byte(`{"type":"object","required":["foo"]}`)))
	require.True(t, r.Known("custom"))

	ok, err := r.Validate("custom", map[string]any{})
	require.True(t, ok)
	require.Error(t, err)

	ok, err = r.Validate("custom", map[string]any{"foo": 1})
	require.True(t, ok)
	require.NoError(t, err)
}
