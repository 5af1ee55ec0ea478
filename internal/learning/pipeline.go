package learning

import (
	"context"
	"fmt"
	"time"
)

type PassObserver interface {
	LearningPass(pass string, seconds float64, err error)
}

// Report summarizes one pipeline run. Errors holds the passes that failed.
type Report struct {
	EloApplied   int               `json:"elo_applied"`
	Buckets      int               `json:"buckets"`
	ToolsApplied int               `json:"tools_applied"`
	Patterns     int               `json:"patterns"`
	Errors       map[string]string `json:"errors,omitempty"`
}

// Pipeline runs the four update passes in order. Each pass reads only
// persisted state and has its own error boundary.
type Pipeline struct {
	repo     Repository
	opts     Options
	observer PassObserver
}

func NewPipeline(repo Repository, opts Options, observer PassObserver) *Pipeline {
	return &Pipeline{repo: repo, opts: opts.withDefaults(), observer: observer}
}

func (p *Pipeline) Options() Options { return p.opts }

func (p *Pipeline) Run(ctx context.Context) Report {
	var r Report
	p.pass(ctx, &r, "elo", func(ctx context.Context) (err error) {
		r.EloApplied, err = UpdateElo(ctx, p.repo, p.opts)
		return err
	})
	p.pass(ctx, &r, "calibration", func(ctx context.Context) (err error) {
		r.Buckets, err = RebuildCalibration(ctx, p.repo)
		return err
	})
	p.pass(ctx, &r, "tools", func(ctx context.Context) (err error) {
		r.ToolsApplied, err = UpdateTools(ctx, p.repo)
		return err
	})
	p.pass(ctx, &r, "patterns", func(ctx context.Context) (err error) {
		r.Patterns, err = RefreshPatterns(ctx, p.repo, p.opts)
		return err
	})
	log.Infof("learning run: elo=%d buckets=%d tools=%d patterns=%d failed=%d",
		r.EloApplied, r.Buckets, r.ToolsApplied, r.Patterns, len(r.Errors))
	return r
}

func (p *Pipeline) pass(ctx context.Context, r *Report, name string, fn func(context.Context) error) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return fn(ctx)
	}()
	if p.observer != nil {
		p.observer.LearningPass(name, time.Since(start).Seconds(), err)
	}
	if err != nil {
		log.Errorf("learning pass %s failed: %v", name, err)
		if r.Errors == nil {
			r.Errors = make(map[string]string)
		}
		r.Errors[name] = err.Error()
	}
}
