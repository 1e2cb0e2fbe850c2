package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atsume/internal/model"
)

// ---- ArgType -------------------------------------------------------------

func TestArgTypeAccepts(t *testing.T) {
	cases := []struct {
		typ  model.ArgType
		v    any
		want bool
	}{
		{model.ArgString, "klima", true},
		{model.ArgString, "", false},
		{model.ArgString, 3, false},
		{model.ArgStrings, []string{"a"}, true},
		{model.ArgStrings, []string{}, false},
		{model.ArgStrings, "a", false},
		{model.ArgInt, 7, true},
		{model.ArgInt, int64(7), true},
		{model.ArgInt, 7.0, false},
		{model.ArgBool, false, true},
		{model.ArgBool, "false", false},
		{model.ArgUUID, uuid.New(), true},
		{model.ArgUUID, uuid.Nil, false},
		{model.ArgUUID, uuid.New().String(), false},
		{model.ArgType("float"), 1.0, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.typ.Accepts(tc.v), "%s accepts %#v", tc.typ, tc.v)
	}
	assert.True(t, model.ArgUUID.Valid())
	assert.False(t, model.ArgType("float").Valid())
}

func TestArgumentsCheck(t *testing.T) {
	specs := []model.ArgumentSpec{
		{Name: model.ArgRunID, Type: model.ArgUUID},
		{Name: model.ArgTerms, Type: model.ArgStrings},
	}
	runID := uuid.New()

	args := model.Arguments{model.ArgRunID: runID, model.ArgTerms: []string{"klima"}}
	require.NoError(t, args.Check(specs))
	assert.Equal(t, runID, args.UUID(model.ArgRunID))
	assert.Equal(t, []string{"klima"}, args.Strings(model.ArgTerms))
	assert.Empty(t, args.String(model.ArgTerms), "mistyped accessor yields zero value")

	err := model.Arguments{model.ArgRunID: runID}.Check(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing argument "terms"`)

	err = model.Arguments{model.ArgRunID: runID.String(), model.ArgTerms: []string{"x"}}.Check(specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `argument "run_id"`)
}

func TestDescriptorRequires(t *testing.T) {
	d := model.ArenaDescriptor{RequiredArguments: []model.ArgumentSpec{{Name: model.ArgTerms, Type: model.ArgStrings}}}
	assert.True(t, d.Requires(model.ArgTerms))
	assert.False(t, d.Requires(model.ArgRunID))
}

// ---- Status --------------------------------------------------------------

func TestStatusTerminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusCompleted.Terminal())
	assert.True(t, model.RunStatusFailed.Terminal())
	assert.True(t, model.RunStatusPartiallyFailed.Terminal())

	assert.False(t, model.TaskStatusQueued.Terminal())
	assert.False(t, model.TaskStatusRunning.Terminal())
	assert.True(t, model.TaskStatusCompleted.Terminal())
	assert.True(t, model.TaskStatusFailed.Terminal())
}

// ---- Event payloads ------------------------------------------------------

func TestTaskUpdatePayload(t *testing.T) {
	task := model.CollectionTask{PlatformName: "reddit", Status: model.TaskStatusRunning, Cost: 4}
	p := model.TaskUpdatePayload(task, map[string]any{"progress": 0.5})
	assert.Equal(t, "reddit", p["platform_name"])
	assert.Equal(t, "running", p["status"])
	assert.NotContains(t, p, "cost", "cost is only reported once terminal")
	assert.Equal(t, 0.5, p["progress"])

	task.Status = model.TaskStatusFailed
	task.Error = "401 unauthorized"
	p = model.TaskUpdatePayload(task, nil)
	assert.EqualValues(t, 4, p["cost"])
	assert.Equal(t, "401 unauthorized", p["error"])
}

func TestRunCompletePayload(t *testing.T) {
	run := model.CollectionRun{Status: model.RunStatusPartiallyFailed, SettledCredits: 3}
	tasks := []model.CollectionTask{
		{PlatformName: "bluesky", Status: model.TaskStatusCompleted, Cost: 3},
		{PlatformName: "reddit", Status: model.TaskStatusFailed, Error: "boom"},
	}
	p := model.RunCompletePayload(run, tasks)
	assert.Equal(t, "partially_failed", p["status"])
	assert.EqualValues(t, 3, p["settled_credits"])
	assert.NotContains(t, p, "reason")

	per, ok := p["tasks"].(map[string]any)
	require.True(t, ok)
	require.Len(t, per, 2)
	reddit := per["reddit"].(map[string]any)
	assert.Equal(t, "failed", reddit["status"])
	assert.Equal(t, "boom", reddit["error"])

	run.Status, run.Reason = model.RunStatusFailed, model.ReasonInsufficientCredits
	snap := model.SnapshotPayload(run, nil)
	assert.Equal(t, model.ReasonInsufficientCredits, snap["reason"])
	assert.Equal(t, true, snap["snapshot"])
}

// ---- Credits, query designs, health -------------------------------------

func TestBalanceTotal(t *testing.T) {
	b := model.Balance{Available: 5, Reserved: 3, Spent: 2}
	assert.EqualValues(t, 10, b.Total())
}

func TestCollectionTaskClone(t *testing.T) {
	res := uuid.New()
	started := time.Now()
	task := model.CollectionTask{Reservation: &res, StartedAt: &started, Detail: map[string]any{"records": 3}}

	c := task.Clone()
	c.Detail["records"] = 4
	*c.Reservation = uuid.Nil
	*c.StartedAt = time.Time{}

	assert.Equal(t, 3, task.Detail["records"])
	assert.Equal(t, res, *task.Reservation)
	assert.Equal(t, started, *task.StartedAt)
	assert.Nil(t, model.CollectionTask{}.Clone().Detail)
}

func TestHealthReportCounts(t *testing.T) {
	now := time.Now()
	r := model.HealthReport{Results: map[string]model.HealthResult{
		"a": {Status: model.HealthOK, CheckedAt: now},
		"b": {Status: model.HealthOK, CheckedAt: now},
		"c": {Status: model.HealthNotImplemented, CheckedAt: now},
		"d": {Status: model.HealthUnreachable, CheckedAt: now},
	}}
	counts := r.Counts()
	assert.Equal(t, 2, counts[model.HealthOK])
	assert.Equal(t, 1, counts[model.HealthNotImplemented])
	assert.Equal(t, 1, counts[model.HealthUnreachable])
	assert.Zero(t, counts[model.HealthFailed])
}
