package agent

import (
	"context"

	"github.com/openretro/retrohd/internal/model"
	"github.com/openretro/retrohd/internal/report"
)

type reportPass struct{}

func newReportPass() Agent { return reportPass{} }

func (reportPass) ID() ID { return Report }

func (reportPass) Description() string {
	return "Write the license report"
}

func (reportPass) Run(_ context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(false); err != nil {
		return nil, err
	}
	t := newTally(Report, env)
	entries := env.Catalog.Snapshot()

	paths, err := report.WriteLicense(env.Config.Report.Dir, entries, env.Config.Report.Formats)
	for _, p := range paths {
		t.output(p)
	}
	if err != nil {
		return t.finish(err)
	}
	t.res.Processed = len(entries)
	t.res.Succeeded = len(entries)
	return t.finish(nil)
}

type sysLogPass struct{}

func newSysLogPass() Agent { return sysLogPass{} }

func (sysLogPass) ID() ID { return SysLog }

func (sysLogPass) Description() string {
	return "Write the catalog summary log"
}

func (sysLogPass) Run(_ context.Context, env *Env) (*model.PassResult, error) {
	if err := env.check(false); err != nil {
		return nil, err
	}
	t := newTally(SysLog, env)
	entries := env.Catalog.Snapshot()

	path, err := report.WriteSystemLog(env.Config.Report.Dir, entries, env.Config.Report.SampleSize, env.now())
	if err != nil {
		return t.finish(err)
	}
	t.output(path)
	t.res.Processed = len(entries)
	t.res.Succeeded = len(entries)
	return t.finish(nil)
}
