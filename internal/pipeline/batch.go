package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/replay"
)

// runBatch executes a list of steps by re-entering HandleRequest for
// each under the same session, fail-fast. Steps inherit the parent's
// selector flags unless a step overrides them.
func (p *Pipeline) runBatch(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	steps, cperr := parseBatchSteps(req)
	if cperr != nil {
		return domain.FailResponse(cperr)
	}
	if len(steps) == 0 {
		return domain.FailResponse(domain.NewError(domain.CodeInvalidArgs, "batch requires at least one step"))
	}
	if len(steps) > p.cfg.MaxBatchSteps {
		return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
			"batch exceeds the %d-step limit", p.cfg.MaxBatchSteps))
	}

	began := time.Now()
	results := make([]map[string]any, 0, len(steps))
	for i, step := range steps {
		if step.Command == "batch" || step.Command == "replay" {
			return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
				"step %d: %s cannot nest inside batch", i+1, step.Command))
		}
		sub := p.batchStepRequest(req, step)
		resp := p.HandleRequest(ctx, sub)
		if !resp.OK {
			partials := make([]any, len(results))
			for j, r := range results {
				partials[j] = r
			}
			return domain.FailResponse(resp.Error.WithDetails(map[string]any{
				"step":           i + 1,
				"executed":       len(results),
				"partialResults": partials,
			}))
		}
		results = append(results, resp.Data)
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r
	}
	return domain.OKResponse(map[string]any{
		"total":           len(steps),
		"executed":        len(results),
		"totalDurationMs": time.Since(began).Milliseconds(),
		"results":         out,
	})
}

// batchStepRequest builds a child request: parent selector and scoping
// flags first, step flags over them.
func (p *Pipeline) batchStepRequest(parent *domain.Request, step replay.Step) *domain.Request {
	flags := make(map[string]any)
	for _, k := range []string{"platform", "target", "device", "udid", "serial", "simulatorSet", "serials",
		"tenant", "runId", "leaseId", "sessionIsolation"} {
		if v, ok := parent.Flags[k]; ok {
			flags[k] = v
		}
	}
	for k, v := range step.Flags {
		flags[k] = v
	}
	return &domain.Request{
		Token:       parent.Token,
		Session:     parent.Session,
		Command:     step.Command,
		Positionals: step.Positionals,
		Flags:       flags,
		Meta:        parent.Meta,
	}
}

// parseBatchSteps accepts flags.steps as script lines or structured
// step objects.
func parseBatchSteps(req *domain.Request) ([]replay.Step, *domain.CPError) {
	raw, ok := req.Flags["steps"]
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidArgs, "batch requires a steps flag")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, domain.NewError(domain.CodeInvalidArgs, "steps must be a list")
	}
	steps := make([]replay.Step, 0, len(list))
	for i, item := range list {
		switch t := item.(type) {
		case string:
			step, err := replay.ParseLine(i+1, t)
			if err != nil {
				return nil, domain.Errorf(domain.CodeInvalidArgs, "step %d: %v", i+1, err)
			}
			if step == nil {
				continue
			}
			steps = append(steps, *step)
		case map[string]any:
			step, cperr := stepFromObject(i+1, t)
			if cperr != nil {
				return nil, cperr
			}
			steps = append(steps, *step)
		default:
			return nil, domain.Errorf(domain.CodeInvalidArgs, "step %d: unsupported step shape %T", i+1, item)
		}
	}
	return steps, nil
}

func stepFromObject(line int, obj map[string]any) (*replay.Step, *domain.CPError) {
	command, _ := obj["command"].(string)
	if command == "" {
		return nil, domain.Errorf(domain.CodeInvalidArgs, "step %d: missing command", line)
	}
	step := &replay.Step{Line: line, Command: command, Flags: map[string]any{}}
	if pos, ok := obj["positionals"].([]any); ok {
		for _, v := range pos {
			step.Positionals = append(step.Positionals, fmt.Sprintf("%v", v))
		}
	}
	if flags, ok := obj["flags"].(map[string]any); ok {
		for k, v := range flags {
			step.Flags[k] = v
		}
	}
	return step, nil
}
