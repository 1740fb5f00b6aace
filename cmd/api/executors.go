package main

import (
	"context"
	"fmt"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
	evidencedomain "github.com/complyon/compliance-agent-backend/internal/domain/evidence"
	"github.com/complyon/compliance-agent-backend/internal/domain/task"
	"github.com/complyon/compliance-agent-backend/internal/service/capability"
	evidencestore "github.com/complyon/compliance-agent-backend/internal/service/evidence"
	"github.com/complyon/compliance-agent-backend/internal/service/scheduler"
)

// registerExecutors binds the built-in task types to their agent
// types. Scan tasks run a registered scanner plugin and persist each
// finding as evidence; assessment tasks call an inference provider.
func registerExecutors(sched *scheduler.Scheduler, caps *capability.Client, ev *evidencestore.Store) {
	sched.RegisterExecutor(agent.TypeCloudScanner, scanExecutor(caps, ev))
	sched.RegisterExecutor(agent.TypeRiskAssessor, inferenceExecutor(caps))
}

func payloadString(payload map[string]interface{}, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", errors.NewValidationError("MISSING_PAYLOAD_FIELD",
			fmt.Sprintf("task payload requires a %q string", key))
	}
	return v, nil
}

func scanExecutor(caps *capability.Client, ev *evidencestore.Store) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, a *agent.Agent, t *task.Task) (map[string]interface{}, []string, error) {
		scanner, err := payloadString(t.Payload, "scanner")
		if err != nil {
			return nil, nil, err
		}
		system, err := payloadString(t.Payload, "system")
		if err != nil {
			return nil, nil, err
		}
		framework, _ := t.Payload["framework"].(string)
		controlID, _ := t.Payload["control_id"].(string)
		scope, _ := t.Payload["scope"].(map[string]interface{})

		report, err := caps.Scan(ctx, scanner, capability.ScanTarget{
			System: system,
			Scope:  scope,
		})
		if err != nil {
			return nil, nil, err
		}

		var refs []string
		for _, finding := range report.Findings {
			item, _, err := ev.Put(ctx, evidencestore.Input{
				OrganizationID: t.OrganizationID,
				Source:         a.ID,
				Type:           evidencedomain.TypeScanResult,
				Content: map[string]interface{}{
					"check_id": finding.CheckID,
					"resource": finding.Resource,
					"result":   finding.Result,
					"severity": finding.Severity,
					"details":  finding.Details,
					"system":   system,
				},
				Confidence: 0.9,
				Framework:  framework,
				ControlID:  controlID,
			})
			if err != nil {
				return nil, refs, err
			}
			refs = append(refs, item.ID.String())
		}

		return map[string]interface{}{
			"scanner":  scanner,
			"system":   system,
			"findings": len(report.Findings),
		}, refs, nil
	})
}

func inferenceExecutor(caps *capability.Client) scheduler.Executor {
	return scheduler.ExecutorFunc(func(ctx context.Context, _ *agent.Agent, t *task.Task) (map[string]interface{}, []string, error) {
		provider, err := payloadString(t.Payload, "provider")
		if err != nil {
			return nil, nil, err
		}
		prompt, err := payloadString(t.Payload, "prompt")
		if err != nil {
			return nil, nil, err
		}
		model, _ := t.Payload["model"].(string)

		resp, err := caps.Infer(ctx, provider, capability.InferenceRequest{
			Model:  model,
			Prompt: prompt,
		})
		if err != nil {
			return nil, nil, err
		}

		return map[string]interface{}{
			"text":        resp.Text,
			"model":       resp.Model,
			"tokens_used": resp.TokensUsed,
		}, nil, nil
	})
}
