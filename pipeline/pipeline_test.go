package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapReduce() []Stage {
	return []Stage{
		{Name: "map", Grouping: GroupPerInput},
		{Name: "reduce", Grouping: GroupAllToOne},
	}
}

func TestCompileValidPipeline(t *testing.T) {
	p, err := Compile(mapReduce())
	require.NoError(t, err)
	assert.Len(t, p, 2)
}

func TestCompileRejections(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"empty pipeline", nil},
		{"empty stage name", []Stage{{Name: "", Grouping: GroupPerInput}}},
		{"reserved input stage", []Stage{{Name: InputStage, Grouping: GroupPerInput}}},
		{"duplicate stage", []Stage{
			{Name: "map", Grouping: GroupPerInput},
			{Name: "map", Grouping: GroupAllToOne},
		}},
		{"unknown grouping", []Stage{{Name: "map", Grouping: "round_robin"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.stages)
			require.ErrorIs(t, err, ErrUnsupportedPipeline)
		})
	}
}

func TestNextStage(t *testing.T) {
	p, err := Compile(mapReduce())
	require.NoError(t, err)

	first, ok := p.NextStage(InputStage)
	require.True(t, ok)
	assert.Equal(t, "map", first.Name)

	second, ok := p.NextStage("map")
	require.True(t, ok)
	assert.Equal(t, "reduce", second.Name)

	_, ok = p.NextStage("reduce")
	assert.False(t, ok)

	_, ok = p.NextStage("no-such-stage")
	assert.False(t, ok)
}

func TestStageIndexOrdering(t *testing.T) {
	p, err := Compile(mapReduce())
	require.NoError(t, err)

	assert.Less(t, p.StageIndex(InputStage), p.StageIndex("map"))
	assert.Less(t, p.StageIndex("map"), p.StageIndex("reduce"))
	assert.Greater(t, p.StageIndex("unknown"), p.StageIndex("reduce"))
}

func TestInputIDString(t *testing.T) {
	assert.Equal(t, "input/2", InputID{Producer: JobInput, Position: 2}.String())
	assert.Equal(t, "7/0", InputID{Producer: 7, Position: 0}.String())
}

func TestScheduleOptionValidate(t *testing.T) {
	assert.NoError(t, ScheduleOption{MaxCores: 4}.Validate())
	assert.Error(t, ScheduleOption{ForceLocal: true, ForceRemote: true}.Validate())
	assert.Error(t, ScheduleOption{MaxCores: -1}.Validate())
}
