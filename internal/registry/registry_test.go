package registry

import (
	"encoding/json"
	"testing"

	"caresync/internal/config"
	"caresync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromConfig(t *testing.T) {
	r, err := FromConfig([]config.EntityConfig{
		{Name: "medication", Endpoint: "/api/v2/medications", Priority: 10, Policy: "LOCAL"},
		{Name: "care_plan", Policy: "merge", Merge: "shallow"},
		{Name: "payroll"},
	})
	require.NoError(t, err)

	med := r.Lookup("medication")
	assert.Equal(t, "/api/v2/medications", med.Endpoint)
	assert.Equal(t, 10, med.Priority)
	assert.Equal(t, models.PolicyLocal, med.Policy)

	plan := r.Lookup("care_plan")
	assert.Equal(t, models.PolicyMerge, plan.Policy)
	assert.NotNil(t, plan.Merge)
	assert.Equal(t, "/api/care_plan", plan.Endpoint)

	assert.Equal(t, models.PolicyRemote, r.Lookup("payroll").Policy)
	assert.Equal(t, []string{"care_plan", "medication", "payroll"}, r.Entities())
}

func TestFromConfig_UnknownMerge(t *testing.T) {
	_, err := FromConfig([]config.EntityConfig{{Name: "staff", Policy: "merge", Merge: "deep"}})
	assert.Error(t, err)
}

func TestLookup_Unknown(t *testing.T) {
	h := New().Lookup("resident")
	assert.Equal(t, "/api/resident", h.Endpoint)
	assert.Equal(t, models.PolicyRemote, h.Policy)
	assert.Nil(t, h.Merge)
}

func TestShallowMerge(t *testing.T) {
	out, err := ShallowMerge(
		json.RawMessage(`{"title":"local","notes":"n"}`),
		json.RawMessage(`{"title":"remote","rev":3}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local","notes":"n","rev":3}`, string(out))

	_, err = ShallowMerge(json.RawMessage(`[1]`), json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestRegisterMerge(t *testing.T) {
	r := New()
	_, ok := r.mergeFunc("shallow")
	assert.True(t, ok, "shallow is built in")

	r.RegisterMerge("server_first", func(local, remote json.RawMessage) (json.RawMessage, error) {
		return remote, nil
	})
	fn, ok := r.mergeFunc("server_first")
	require.True(t, ok)
	out, err := fn(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(out))
}
