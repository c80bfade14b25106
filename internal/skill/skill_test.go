package skill

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studioline/internal/domain"
)

type mapStore map[string]domain.SkillDefinition

var errSkillMissing = errors.New("skill not found")

func (m mapStore) GetSkill(_ context.Context, key string) (domain.SkillDefinition, error) {
	def, ok := m[key]
	if !ok {
		return domain.SkillDefinition{}, errSkillMissing
	}
	return def, nil
}

func storeProvider(store mapStore) StoreProvider {
	return StoreProvider{
		Store:    store,
		NotFound: func(err error) bool { return errors.Is(err, errSkillMissing) },
	}
}

func TestResolvePrefersPersistedDefinition(t *testing.T) {
	custom := domain.SkillDefinition{
		SkillKey:     "discovery_questions",
		Name:         "House discovery questions",
		Stage:        "discovery",
		OutputSchema: `{"type":"object","required":["questions"]}`,
		Prompt:       "custom prompt",
		Enabled:      true,
	}
	reg := Registry{Providers: []Provider{
		storeProvider(mapStore{"discovery_questions": custom}),
		CatalogProvider{},
	}}

	def, err := reg.Resolve(context.Background(), "discovery_questions")
	require.NoError(t, err)
	assert.Equal(t, "custom prompt", def.Prompt)
}

func TestResolveFallsThroughOnMissingAndDisabled(t *testing.T) {
	disabled := domain.SkillDefinition{SkillKey: "router", Enabled: false}
	reg := Registry{Providers: []Provider{
		storeProvider(mapStore{"router": disabled}),
		CatalogProvider{},
	}}

	def, err := reg.Resolve(context.Background(), "router")
	require.NoError(t, err)
	assert.True(t, def.Enabled, "disabled persisted skill should fall through to the catalog")

	def, err = reg.Resolve(context.Background(), "element_planner")
	require.NoError(t, err)
	assert.Equal(t, "planning", def.Stage)
}

func TestResolveSkipsStructurallyIncompatibleDefinition(t *testing.T) {
	// Persisted router that does not declare "stage" in its output.
	narrow := domain.SkillDefinition{
		SkillKey:     "router",
		OutputSchema: `{"type":"object","required":["skill_key"]}`,
		Prompt:       "narrow router",
		Enabled:      true,
	}
	reg := Registry{Providers: []Provider{
		storeProvider(mapStore{"router": narrow}),
		CatalogProvider{},
	}}

	def, err := reg.Resolve(context.Background(), "router", "skill_key", "stage")
	require.NoError(t, err)
	assert.NotEqual(t, "narrow router", def.Prompt)

	// Without the structural requirement the persisted one wins.
	def, err = reg.Resolve(context.Background(), "router")
	require.NoError(t, err)
	assert.Equal(t, "narrow router", def.Prompt)
}

func TestResolveReturnsFirstMatchWhenNoneCompatible(t *testing.T) {
	only := domain.SkillDefinition{
		SkillKey:     "house_special",
		OutputSchema: `{"type":"object","required":["summary"]}`,
		Enabled:      true,
	}
	reg := Registry{Providers: []Provider{
		storeProvider(mapStore{"house_special": only}),
		CatalogProvider{},
	}}

	def, err := reg.Resolve(context.Background(), "house_special", "patch_ops")
	require.NoError(t, err)
	assert.Equal(t, "house_special", def.SkillKey)
}

func TestResolveNotFound(t *testing.T) {
	reg := Registry{Providers: []Provider{storeProvider(mapStore{}), CatalogProvider{}}}
	_, err := reg.Resolve(context.Background(), "no_such_skill")
	var nf NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "no_such_skill", nf.SkillKey)
}

func TestResolvePropagatesStoreError(t *testing.T) {
	boom := errors.New("database locked")
	reg := Registry{Providers: []Provider{
		StoreProvider{
			Store:    erringStore{err: boom},
			NotFound: func(error) bool { return false },
		},
		CatalogProvider{},
	}}
	_, err := reg.Resolve(context.Background(), "router")
	assert.ErrorIs(t, err, boom)
}

type erringStore struct{ err error }

func (s erringStore) GetSkill(context.Context, string) (domain.SkillDefinition, error) {
	return domain.SkillDefinition{}, s.err
}

type scriptedClient struct {
	out  string
	err  error
	last Request
}

func (c *scriptedClient) Generate(_ context.Context, req Request) (json.RawMessage, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return json.RawMessage(c.out), nil
}

func TestInvokeInputDriftIsAdvisory(t *testing.T) {
	def := domain.SkillDefinition{
		SkillKey:     "router",
		Prompt:       "route",
		InputSchema:  `{"type":"object","required":["enabled_skills","user_message"]}`,
		OutputSchema: `{"type":"object","required":["skill_key"]}`,
	}
	client := &scriptedClient{out: `{"skill_key":"discovery_questions"}`}
	var warnings []string
	inv := Invoker{Client: client, Warn: func(_, msg string) { warnings = append(warnings, msg) }}

	out, err := inv.Invoke(context.Background(), def, map[string]any{"enabled_skills": []string{"x"}})
	require.NoError(t, err, "missing input field must not abort the call")
	assert.Equal(t, "discovery_questions", out["skill_key"])
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "user_message")
	assert.Equal(t, "route", client.last.Prompt)
	assert.Contains(t, client.last.InputJSON, "enabled_skills")
}

func TestInvokeOutputContractIsStrict(t *testing.T) {
	def := domain.SkillDefinition{
		SkillKey:     "suggestions_panel",
		OutputSchema: `{"type":"object","required":["suggestions"]}`,
	}
	client := &scriptedClient{out: `{"something_else":true}`}
	inv := Invoker{Client: client}

	_, err := inv.Invoke(context.Background(), def, map[string]any{})
	var oce OutputContractError
	require.ErrorAs(t, err, &oce)
	assert.Equal(t, []string{"suggestions"}, oce.Missing)
	assert.JSONEq(t, `{"something_else":true}`, string(oce.Payload))
}

func TestInvokeNonObjectOutput(t *testing.T) {
	def := domain.SkillDefinition{SkillKey: "router", OutputSchema: `{"type":"object","required":["skill_key"]}`}
	inv := Invoker{Client: &scriptedClient{out: `["not","an","object"]`}}

	_, err := inv.Invoke(context.Background(), def, map[string]any{})
	var oce OutputContractError
	require.ErrorAs(t, err, &oce)
}

func TestInvokeClientError(t *testing.T) {
	boom := errors.New("model unavailable")
	inv := Invoker{Client: &scriptedClient{err: boom}}
	_, err := inv.Invoke(context.Background(), domain.SkillDefinition{SkillKey: "router"}, map[string]any{})
	assert.ErrorIs(t, err, boom)
}

func TestSchemaDeclaresAndMissing(t *testing.T) {
	s, err := ParseSchema(`{"type":"object","properties":{"questions":{"type":"array"}},"required":["questions","summary"]}`)
	require.NoError(t, err)
	assert.True(t, s.DeclaresField("questions"))
	assert.True(t, s.DeclaresField("summary"), "required-only fields count as declared")
	assert.False(t, s.DeclaresField("patch_ops"))
	assert.Equal(t, []string{"summary"}, s.MissingRequired(map[string]any{"questions": []any{}}))

	empty, err := ParseSchema("")
	require.NoError(t, err)
	assert.Nil(t, empty.MissingRequired(map[string]any{}))

	_, err = ParseSchema(`{"required":`)
	assert.Error(t, err)
}
