package worknode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlanDealsLinesRoundRobin(t *testing.T) {
	plan, err := BuildPlan(model.Subtask{
		TaskID:          "task-1",
		Category:        model.CategoryImageLabeling,
		Title:           "label cats",
		Description:     "batch a\nbatch b\n\nbatch c\nbatch d\nbatch e",
		RequiredWorkers: 2,
	})
	require.NoError(t, err)
	require.Len(t, plan.Units, 2)

	assert.Equal(t, "label cats (1/2)", plan.Units[0].Title)
	assert.Equal(t, []string{"batch a", "batch c", "batch e"}, plan.Units[0].Instructions)
	assert.Equal(t, []string{"batch b", "batch d"}, plan.Units[1].Instructions)
	assert.Equal(t, model.CategoryImageLabeling, plan.Units[1].Category)
}

func TestBuildPlanSplitsSentences(t *testing.T) {
	plan, err := BuildPlan(model.Subtask{
		TaskID:          "task-1",
		Description:     "Rate the answer. Flag toxicity. Note the language.",
		RequiredWorkers: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Rate the answer."}, plan.Units[0].Instructions)
	assert.Equal(t, []string{"Flag toxicity."}, plan.Units[1].Instructions)
	assert.Equal(t, []string{"Note the language."}, plan.Units[2].Instructions)
}

func TestBuildPlanRepeatsShortTasks(t *testing.T) {
	plan, err := BuildPlan(model.Subtask{
		TaskID:          "task-1",
		Description:     "transcribe clip 7",
		RequiredWorkers: 3,
	})
	require.NoError(t, err)
	for _, u := range plan.Units {
		assert.Equal(t, []string{"transcribe clip 7"}, u.Instructions)
	}
}

func TestBuildPlanRejectsBadSubtasks(t *testing.T) {
	_, err := BuildPlan(model.Subtask{RequiredWorkers: 1})
	assert.Error(t, err)
	_, err = BuildPlan(model.Subtask{TaskID: "task-1"})
	assert.Error(t, err)
}

func TestPlannerProcess(t *testing.T) {
	out, err := Planner{}.Process(context.Background(), model.Subtask{
		TaskID: "task-9", Description: "one\ntwo", RequiredWorkers: 2,
	})
	require.NoError(t, err)

	var plan Plan
	require.NoError(t, json.Unmarshal(out, &plan))
	assert.Equal(t, "task-9", plan.TaskID)
	assert.Len(t, plan.Units, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Planner{}.Process(ctx, model.Subtask{TaskID: "task-9", RequiredWorkers: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
