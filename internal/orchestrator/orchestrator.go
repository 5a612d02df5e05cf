// Package orchestrator runs configured passes in order and records each run.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openretro/retrohd/internal/agent"
	"github.com/openretro/retrohd/internal/config"
	"github.com/openretro/retrohd/internal/model"
)

// Recorder persists run history. *runlog.Log implements it.
type Recorder interface {
	CreateRun(ctx context.Context, agents []string) (*model.Run, error)
	RecordPass(ctx context.Context, runID string, r *model.PassResult) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
}

// Options configures the orchestrator.
type Options struct {
	// OnError is config.OnErrorContinue (default) or config.OnErrorAbort.
	OnError string
}

// Orchestrator sequences passes over a shared environment.
type Orchestrator struct {
	reg  *agent.Registry
	env  *agent.Env
	rec  Recorder
	opts Options
	now  func() time.Time
}

// New creates an orchestrator. rec may be nil to skip run history.
func New(reg *agent.Registry, env *agent.Env, rec Recorder, opts Options) *Orchestrator {
	if opts.OnError == "" {
		opts.OnError = config.OnErrorContinue
	}
	return &Orchestrator{reg: reg, env: env, rec: rec, opts: opts, now: time.Now}
}

// Agents lists every registered pass.
func (o *Orchestrator) Agents() []agent.Agent {
	return o.reg.All()
}

// Resolve checks that every name maps to a registered pass.
func (o *Orchestrator) Resolve(names []string) ([]agent.Agent, error) {
	return o.reg.Resolve(names)
}

// RunOne runs a single pass as its own run.
func (o *Orchestrator) RunOne(ctx context.Context, name string) (*model.Run, error) {
	return o.Run(ctx, []string{name})
}

// Run executes the named passes in order. A failed pass is logged and
// recorded; with the continue policy the next pass still runs, with the
// abort policy the run stops. A cancelled context stops the run before the
// next pass. The returned error covers unknown pass names and run-history
// failures only; pass outcomes are reported through the run's status.
func (o *Orchestrator) Run(ctx context.Context, names []string) (*model.Run, error) {
	agents, err := o.Resolve(names)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = string(a.ID())
	}

	run, err := o.createRun(ctx, ids)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "orchestrator"), zap.String("run_id", run.ID))
	log.Info("run started", zap.Strings("agents", ids), zap.String("on_error", o.opts.OnError))

	status := model.RunStatusComplete
	var failures []string

	for _, a := range agents {
		if ctx.Err() != nil {
			status = model.RunStatusCancelled
			break
		}

		res := o.runPass(ctx, a, log)
		run.Passes = append(run.Passes, *res)
		if o.rec != nil {
			// The pass already ran; recording uses a context that survives cancellation.
			if err := o.rec.RecordPass(context.WithoutCancel(ctx), run.ID, res); err != nil {
				log.Error("failed to record pass", zap.String("agent", res.Agent), zap.Error(err))
			}
		}

		if res.Status != model.PassStatusFailed {
			continue
		}
		failures = append(failures, res.Agent+": "+res.Error)
		if ctx.Err() != nil {
			status = model.RunStatusCancelled
			break
		}
		status = model.RunStatusPartial
		if o.opts.OnError == config.OnErrorAbort {
			status = model.RunStatusAborted
			break
		}
	}

	run.Status = status
	run.Error = strings.Join(failures, "; ")
	finished := o.now().UTC()
	run.FinishedAt = &finished

	if o.rec != nil {
		if err := o.rec.FinishRun(context.WithoutCancel(ctx), run.ID, run.Status, run.Error); err != nil {
			return run, eris.Wrapf(err, "orchestrator: finish run %s", run.ID)
		}
	}
	log.Info("run finished",
		zap.String("status", string(run.Status)),
		zap.Int("passes", len(run.Passes)),
		zap.Duration("elapsed", finished.Sub(run.StartedAt)),
	)
	return run, nil
}

func (o *Orchestrator) createRun(ctx context.Context, ids []string) (*model.Run, error) {
	if o.rec == nil {
		return &model.Run{
			ID:        uuid.New().String(),
			Agents:    ids,
			Status:    model.RunStatusRunning,
			StartedAt: o.now().UTC(),
		}, nil
	}
	run, err := o.rec.CreateRun(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: create run")
	}
	return run, nil
}

// runPass runs one pass and always returns a result. A pass that returns an
// error is marked failed.
func (o *Orchestrator) runPass(ctx context.Context, a agent.Agent, log *zap.Logger) *model.PassResult {
	pLog := log.With(zap.String("agent", string(a.ID())))
	pLog.Info("pass started")
	start := o.now()

	res, err := a.Run(ctx, o.env)
	if res == nil {
		res = &model.PassResult{Agent: string(a.ID()), StartedAt: start.UTC(), Duration: o.now().Sub(start)}
	}
	if err != nil {
		res.Status = model.PassStatusFailed
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	if res.Status == "" {
		res.Finalize()
	}
	o.env.Metrics.ObservePass(res.Agent, string(res.Status), res.Duration)

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Int("processed", res.Processed),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", res.Duration),
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		pLog.Warn("pass cancelled", append(fields, zap.Error(err))...)
	case err != nil:
		pLog.Error("pass failed", append(fields, zap.Error(err))...)
	default:
		pLog.Info("pass complete", fields...)
	}
	return res
}
