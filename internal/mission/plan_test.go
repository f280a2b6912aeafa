package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_ValidateRejectsEmpty(t *testing.T) {
	p := &Plan{}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestPlan_ValidateRejectsDuplicateAgents(t *testing.T) {
	p := &Plan{Steps: []Step{{Agent: "a"}, {Agent: "a"}}}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestPlan_ValidateRejectsUnknownDependency(t *testing.T) {
	p := &Plan{Steps: []Step{{Agent: "a", Dependencies: []string{"ghost"}}}}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestPlan_ValidateRejectsSelfDependency(t *testing.T) {
	p := &Plan{Steps: []Step{{Agent: "a", Dependencies: []string{"a"}}}}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestPlan_ValidateDetectsCycle(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Agent: "a", Dependencies: []string{"c"}},
		{Agent: "b", Dependencies: []string{"a"}},
		{Agent: "c", Dependencies: []string{"b"}},
	}}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
}

func TestPlan_SingleStepIsLevelZero(t *testing.T) {
	p := &Plan{Steps: []Step{{Agent: "only"}}}
	require.NoError(t, p.Validate())

	levels, err := p.levels()
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.Len(t, levels[0], 1)
	assert.Equal(t, "only", levels[0][0].Agent)
}

func TestPlan_LevelsFollowDependencyDepth(t *testing.T) {
	p := &Plan{Steps: []Step{
		{Agent: "a"},
		{Agent: "b"},
		{Agent: "c", Dependencies: []string{"a", "b"}},
		{Agent: "d", Dependencies: []string{"c"}},
	}}
	require.NoError(t, p.Validate())

	levels, err := p.levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)

	names := func(steps []*Step) []string {
		var out []string
		for _, s := range steps {
			out = append(out, s.Agent)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"a", "b"}, names(levels[0]))
	assert.Equal(t, []string{"c"}, names(levels[1]))
	assert.Equal(t, []string{"d"}, names(levels[2]))
}

func TestParsePlan_BadJSON(t *testing.T) {
	_, err := ParsePlan([]byte("{nope"))
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
