package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"corthex/internal/gateway/notifier"
	"corthex/internal/store/archive"
	"corthex/internal/trading"
)

// Delivery is the externally visible result of one chain.
type Delivery struct {
	Chain   Chain
	Content string
}

// Sink receives each delivered chain exactly once.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

type SinkFunc func(ctx context.Context, d Delivery) error

func (f SinkFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Report renders the text handed to the caller.
func (c Chain) Report() string {
	if c.Status == StatusFailed {
		msg := c.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("Chain %s failed: %s", c.ID, msg)
	}
	if c.Label != "" {
		return fmt.Sprintf("[%s]\n\n%s", c.Label, c.Output)
	}
	return c.Output
}

// Deliver flips delivered from false to true and then runs the sinks. The
// flag is set in the same locked write that reads it, so a chain is
// delivered at most once whoever calls this. A second call returns
// ErrAlreadyDelivered.
func (o *Orchestrator) Deliver(ctx context.Context, id string) (Chain, error) {
	c, err := o.repo.Update(ctx, id, func(c *Chain) error {
		if c.Delivered {
			return ErrAlreadyDelivered
		}
		if !c.Terminal() {
			return fmt.Errorf("chain %s not finished (step %s)", c.ID, c.Step)
		}
		c.Delivered = true
		return nil
	})
	if err != nil {
		return c, err
	}
	d := Delivery{Chain: c, Content: c.Report()}
	for _, s := range o.opts.Sinks {
		o.deliverSafe(ctx, s, d)
	}
	log.Infof("chain %s delivered status=%s cost=$%.4f", c.ID, c.Status, c.TotalCostUSD)
	if o.opts.Observer != nil {
		o.opts.Observer.Delivered(string(c.Status))
	}
	o.wake(id)
	return c, nil
}

func (o *Orchestrator) deliverSafe(ctx context.Context, s Sink, d Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("chain %s: delivery sink panic: %v", d.Chain.ID, rec)
		}
	}()
	if err := s.Deliver(ctx, d); err != nil {
		log.Warnf("chain %s: delivery sink: %v", d.Chain.ID, err)
	}
}

// NotifierSink sends the report to a text notifier.
func NotifierSink(n notifier.TextNotifier) Sink {
	return SinkFunc(func(ctx context.Context, d Delivery) error {
		c := d.Chain
		msg := notifier.StructuredMessage{
			Icon:  "✅",
			Title: "Chain completed",
			Sections: []notifier.MessageSection{{
				Lines: []string{
					"chain: " + c.ID,
					"department: " + c.TargetID,
					fmt.Sprintf("cost: $%.4f", c.TotalCostUSD),
				},
			}},
			Body:      d.Content,
			Timestamp: time.Now(),
		}
		if c.Status == StatusFailed {
			msg.Icon, msg.Title = "❌", "Chain failed"
		}
		return n.SendText(ctx, msg.RenderMarkdown())
	})
}

// ArchiveSink appends the report to the delivered-report archive.
func ArchiveSink(a *archive.Archive) Sink {
	return SinkFunc(func(ctx context.Context, d Delivery) error {
		c := d.Chain
		_, err := a.Append(ctx, archive.Report{
			ChainID:     c.ID,
			TaskID:      c.TaskID,
			Mode:        string(c.Mode),
			Status:      string(c.Status),
			TargetID:    c.TargetID,
			Content:     d.Content,
			CostUSD:     c.TotalCostUSD,
			DeliveredAt: time.Now().UTC(),
		})
		return err
	})
}

// SignalRecorder stores predictions parsed from a report.
type SignalRecorder interface {
	Record(ctx context.Context, in trading.RecordInput) ([]trading.Outcome, error)
}

// SignalSink hands completed reports to the trading recorder together with
// each specialist's output and the declared tools that output cites.
func SignalSink(rec SignalRecorder, roster Roster) Sink {
	return SinkFunc(func(ctx context.Context, d Delivery) error {
		c := d.Chain
		if c.Status != StatusCompleted || strings.TrimSpace(c.Output) == "" {
			return nil
		}
		snap := roster.Snapshot()
		var specs []trading.SpecialistReport
		for _, r := range c.Results[StepSpecialists] {
			var tools []string
			if dept, ok := snap.Department(r.Department); ok {
				tools = toolsCited(r.Content, dept.ToolsOf(r.AgentID))
			}
			specs = append(specs, trading.SpecialistReport{
				AgentID: r.AgentID,
				Content: r.Content,
				Tools:   tools,
				CostUSD: r.CostUSD,
			})
		}
		sort.Slice(specs, func(i, j int) bool { return specs[i].AgentID < specs[j].AgentID })
		outcomes, err := rec.Record(ctx, trading.RecordInput{
			ChainID:     c.ID,
			TaskID:      c.TaskID,
			Report:      c.Output,
			Specialists: specs,
		})
		for _, oc := range outcomes {
			if oc.PredictionID != "" {
				log.Infof("chain %s: prediction %s %s %s conf=%.1f execute=%v",
					c.ID, oc.PredictionID, oc.Signal.Ticker, oc.Signal.Direction, oc.Confidence, oc.Execute)
			}
		}
		return err
	})
}

// toolsCited keeps the declared tools named in content. A specialist that
// never mentions a tool gets no credit for it.
func toolsCited(content string, declared []string) []string {
	text := strings.ToLower(content)
	var out []string
	for _, tool := range declared {
		if tool != "" && strings.Contains(text, strings.ToLower(tool)) {
			out = append(out, tool)
		}
	}
	return out
}
