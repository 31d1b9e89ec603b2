package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/agent-device/agent-device/internal/diag"
	"github.com/agent-device/agent-device/internal/domain"
	"github.com/agent-device/agent-device/internal/replay"
)

// runReplay evaluates an .ad script line by line through HandleRequest.
// With --update, a failing step gets one repair attempt: take a fresh
// snapshot, resolve a better selector for the target, rewrite the
// script atomically and retry the step.
func (p *Pipeline) runReplay(ctx context.Context, scope *diag.Scope, req *domain.Request) *domain.Response {
	if len(req.Positionals) == 0 {
		return domain.FailResponse(domain.NewError(domain.CodeInvalidArgs, "replay requires a script path"))
	}
	path := req.Positionals[0]
	if _, err := os.Stat(path); err != nil {
		return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs, "script not readable: %v", err))
	}
	steps, err := replay.ParseScript(path)
	if err != nil {
		return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs, "parse script: %v", err))
	}
	update := req.FlagBool("update")

	executed := 0
	for i, step := range steps {
		if step.Command == "batch" || step.Command == "replay" {
			return domain.FailResponse(domain.Errorf(domain.CodeInvalidArgs,
				"step %d: %s cannot nest inside replay", i+1, step.Command))
		}
		sub := step.Request(req.SessionName())
		sub.Token = req.Token
		sub.Meta = req.Meta
		resp := p.HandleRequest(ctx, sub)
		if resp.OK {
			executed++
			continue
		}
		if !update {
			return domain.FailResponse(resp.Error.WithDetails(map[string]any{
				"step":     i + 1,
				"line":     step.Line,
				"executed": executed,
			}))
		}

		repaired, ok := p.repairStep(ctx, req, step)
		if ok {
			steps[i] = *repaired
			if err := rewriteScript(path, steps); err != nil {
				log.Warn().Err(err).Str("script", path).Msg("script rewrite failed")
			}
			retry := repaired.Request(req.SessionName())
			retry.Token = req.Token
			retry.Meta = req.Meta
			if resp := p.HandleRequest(ctx, retry); resp.OK {
				executed++
				continue
			}
		}
		return domain.FailResponse(resp.Error.WithDetails(map[string]any{
			"step":     i + 1,
			"line":     step.Line,
			"executed": executed,
			"updated":  ok,
		}))
	}
	return domain.OKResponse(map[string]any{
		"total":    len(steps),
		"executed": executed,
		"script":   path,
	})
}

// repairStep asks the device for a fresh snapshot and rebinds the
// step's first positional to the closest matching element reference.
func (p *Pipeline) repairStep(ctx context.Context, req *domain.Request, step replay.Step) (*replay.Step, bool) {
	if len(step.Positionals) == 0 {
		return nil, false
	}
	find := &domain.Request{
		Token:       req.Token,
		Session:     req.SessionName(),
		Command:     "find",
		Positionals: []string{step.Positionals[0]},
		Meta:        req.Meta,
	}
	resp := p.HandleRequest(ctx, find)
	if !resp.OK {
		return nil, false
	}
	ref, _ := resp.Data["ref"].(string)
	if ref == "" {
		// Coordinate fallback from the resolver.
		x, xok := resp.Data["x"]
		y, yok := resp.Data["y"]
		if !xok || !yok {
			return nil, false
		}
		ref = fmt.Sprintf("@%v,%v", x, y)
	}
	repaired := replay.Step{
		Line:        step.Line,
		Command:     step.Command,
		Positionals: append([]string{ref}, step.Positionals[1:]...),
		Flags:       step.Flags,
	}
	return &repaired, true
}

func rewriteScript(path string, steps []replay.Step) error {
	lines := make([]string, len(steps))
	for i, s := range steps {
		lines[i] = replay.EncodeLine(s.Command, s.Positionals, s.Flags)
	}
	return replay.RewriteScript(path, lines)
}
