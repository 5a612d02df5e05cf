package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openretro/retrohd/internal/model"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func TestMigrateIdempotent(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Migrate(context.Background()))
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	run, err := l.CreateRun(ctx, []string{"scrape", "tag"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, l.RecordPass(ctx, run.ID, &model.PassResult{
		Agent:     "scrape",
		Status:    model.PassStatusPartial,
		Processed: 3,
		Succeeded: 2,
		Failed:    1,
		Failures:  []model.AssetFailure{{Locator: "https://x/a.png", Error: "GET https://x/a.png: status 404", Kind: "permanent"}},
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}))
	require.NoError(t, l.RecordPass(ctx, run.ID, &model.PassResult{
		Agent:     "tag",
		Status:    model.PassStatusComplete,
		Processed: 2,
		Succeeded: 2,
		Outputs:   []string{"reports/license_report.md"},
		StartedAt: started,
	}))
	require.NoError(t, l.FinishRun(ctx, run.ID, model.RunStatusPartial, "scrape: 1 asset failed"))

	got, err := l.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"scrape", "tag"}, got.Agents)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	assert.Equal(t, "scrape: 1 asset failed", got.Error)
	require.NotNil(t, got.FinishedAt)

	require.Len(t, got.Passes, 2)
	p := got.Passes[0]
	assert.Equal(t, "scrape", p.Agent)
	assert.Equal(t, model.PassStatusPartial, p.Status)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 1500*time.Millisecond, p.Duration)
	require.Len(t, p.Failures, 1)
	assert.Equal(t, "permanent", p.Failures[0].Kind)
	assert.True(t, started.Equal(p.StartedAt))
	assert.Equal(t, []string{"reports/license_report.md"}, got.Passes[1].Outputs)
	assert.Nil(t, got.Passes[1].Failures)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := newTestLog(t).GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFinishRun_NotFound(t *testing.T) {
	err := newTestLog(t).FinishRun(context.Background(), "missing", model.RunStatusComplete, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordPass_UnknownRun(t *testing.T) {
	err := newTestLog(t).RecordPass(context.Background(), "missing", &model.PassResult{
		Agent: "tag", Status: model.PassStatusComplete, StartedAt: time.Now(),
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)

	first, err := l.CreateRun(ctx, []string{"scrape"})
	require.NoError(t, err)
	second, err := l.CreateRun(ctx, []string{"tag", "verify"})
	require.NoError(t, err)
	third, err := l.CreateRun(ctx, []string{"verify"})
	require.NoError(t, err)
	require.NoError(t, l.FinishRun(ctx, first.ID, model.RunStatusComplete, ""))
	require.NoError(t, l.FinishRun(ctx, third.ID, model.RunStatusAborted, "verify failed"))

	all, err := l.ListRuns(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, first.ID, all[2].ID)
	assert.Nil(t, all[0].Passes)

	running, err := l.ListRuns(ctx, Filter{Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	verify, err := l.ListRuns(ctx, Filter{Agent: "verify"})
	require.NoError(t, err)
	assert.Len(t, verify, 2)

	page, err := l.ListRuns(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, second.ID, page[0].ID)
}
