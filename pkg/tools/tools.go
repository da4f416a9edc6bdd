// Package tools defines the admin MCP tools fronting the outbound
// orchestrator (C5), scheduler (C6), and resource pools (C1/C2): place a
// call now, schedule one for later, cancel either, and inspect pool
// utilisation — the operational surface an operator's MCP client drives.
package tools

import (
	"context"
	"fmt"
	"time"

	mcpkit "github.com/plexusone/mcpkit/runtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/plexusone/agentcomms/pkg/agent"
	"github.com/plexusone/agentcomms/pkg/calltypes"
	"github.com/plexusone/agentcomms/pkg/outbound"
	"github.com/plexusone/agentcomms/pkg/scheduler"
	"github.com/plexusone/agentcomms/pkg/sttpool"
	"github.com/plexusone/agentcomms/pkg/ttsqueue"
)

// Store is the slice of C8 these tools need directly: creating the
// placeholder Call record a scheduled job hangs off of.
type Store interface {
	CreateCall(ctx context.Context, call *calltypes.Call) error
}

// Deps bundles the components the tools front.
type Deps struct {
	Outbound  *outbound.Orchestrator
	Scheduler *scheduler.Scheduler
	STTPool   *sttpool.Pool
	TTSQueue  *ttsqueue.Queue
	Agents    *agent.Registry
	Store     Store
}

// InitiateCallInput is the input for the initiate_call tool.
type InitiateCallInput struct {
	Phone   string `json:"phone"`
	AgentID string `json:"agent_id"`
}

// InitiateCallOutput is the output of the initiate_call tool.
type InitiateCallOutput struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// ScheduleCallInput is the input for the schedule_call tool.
type ScheduleCallInput struct {
	Phone   string `json:"phone"`
	AgentID string `json:"agent_id"`
	DueAt   string `json:"due_at"` // RFC3339
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleCallOutput is the output of the schedule_call tool.
type ScheduleCallOutput struct {
	CallID string `json:"call_id"`
	JobID  string `json:"job_id"`
	DueAt  string `json:"due_at"`
}

// CancelCallInput is the input for the cancel_call tool.
type CancelCallInput struct {
	CallID string `json:"call_id"`
}

// CancelCallOutput is the output of the cancel_call tool.
type CancelCallOutput struct {
	Canceled bool `json:"canceled"`
}

// GetPoolStatsInput is the (empty) input for the get_pool_stats tool.
type GetPoolStatsInput struct{}

// GetPoolStatsOutput reports C1/C2/C5 utilisation for operator dashboards.
type GetPoolStatsOutput struct {
	STTPool         sttpool.Stats   `json:"stt_pool"`
	TTSProviders    []ttsqueue.Stats `json:"tts_providers"`
	OutboundActive  int             `json:"outbound_active"`
}

func callID() string { return ulid.Make().String() }

// RegisterTools registers all MCP tools with the runtime.
func RegisterTools(rt *mcpkit.Runtime, deps Deps) {
	mcpkit.AddTool(rt, &mcp.Tool{
		Name:        "initiate_call",
		Description: "Place an outbound call to a phone number right now, using the named agent persona.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone":    map[string]any{"type": "string", "description": "E.164 phone number to dial."},
				"agent_id": map[string]any{"type": "string", "description": "ID of the agent persona to use."},
			},
			"required": []string{"phone", "agent_id"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in InitiateCallInput) (*mcp.CallToolResult, InitiateCallOutput, error) {
		call, err := deps.Outbound.Initiate(ctx, outbound.InitiateRequest{Phone: in.Phone, AgentID: in.AgentID})
		if err != nil {
			return nil, InitiateCallOutput{}, fmt.Errorf("failed to initiate call: %w", err)
		}
		return nil, InitiateCallOutput{CallID: call.ID, Status: string(call.Status)}, nil
	})

	mcpkit.AddTool(rt, &mcp.Tool{
		Name:        "schedule_call",
		Description: "Schedule an outbound call for a future time. No business-hours constraint is applied.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone":    map[string]any{"type": "string", "description": "E.164 phone number to dial."},
				"agent_id": map[string]any{"type": "string", "description": "ID of the agent persona to use."},
				"due_at":   map[string]any{"type": "string", "description": "RFC3339 timestamp for when to place the call."},
				"timezone": map[string]any{"type": "string", "description": "IANA timezone; defaults to UTC."},
			},
			"required": []string{"phone", "agent_id", "due_at"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in ScheduleCallInput) (*mcp.CallToolResult, ScheduleCallOutput, error) {
		dueAt, err := time.Parse(time.RFC3339, in.DueAt)
		if err != nil {
			return nil, ScheduleCallOutput{}, fmt.Errorf("invalid due_at: %w", err)
		}
		if _, ok := deps.Agents.Get(in.AgentID); !ok {
			return nil, ScheduleCallOutput{}, fmt.Errorf("agent not found or inactive: %s", in.AgentID)
		}

		tz := in.Timezone
		if tz == "" {
			tz = "UTC"
		}

		call := &calltypes.Call{
			ID:           callID(),
			Direction:    calltypes.DirectionOutbound,
			Phone:        in.Phone,
			AgentID:      in.AgentID,
			Status:       calltypes.StatusInitiated,
			SubStatus:    calltypes.SubStatusQueued,
			CreatedAt:    time.Now(),
			ScheduledFor: &dueAt,
		}
		if err := deps.Store.CreateCall(ctx, call); err != nil {
			return nil, ScheduleCallOutput{}, fmt.Errorf("failed to persist scheduled call: %w", err)
		}

		job, err := deps.Scheduler.Schedule(ctx, call.ID, dueAt, tz, nil, nil, calltypes.JobKindScheduledCall, "")
		if err != nil {
			return nil, ScheduleCallOutput{}, fmt.Errorf("failed to schedule call: %w", err)
		}

		return nil, ScheduleCallOutput{CallID: call.ID, JobID: job.ID, DueAt: job.DueAt.Format(time.RFC3339)}, nil
	})

	mcpkit.AddTool(rt, &mcp.Tool{
		Name:        "cancel_call",
		Description: "Cancel an active or pending outbound call by call ID.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"call_id": map[string]any{"type": "string", "description": "The call ID to cancel."},
			},
			"required": []string{"call_id"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in CancelCallInput) (*mcp.CallToolResult, CancelCallOutput, error) {
		if err := deps.Outbound.Cancel(ctx, in.CallID); err != nil {
			return nil, CancelCallOutput{Canceled: false}, fmt.Errorf("failed to cancel call: %w", err)
		}
		return nil, CancelCallOutput{Canceled: true}, nil
	})

	mcpkit.AddTool(rt, &mcp.Tool{
		Name:        "get_pool_stats",
		Description: "Report current STT pool, TTS queue, and outbound concurrency utilisation.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest, in GetPoolStatsInput) (*mcp.CallToolResult, GetPoolStatsOutput, error) {
		return nil, GetPoolStatsOutput{
			STTPool:        deps.STTPool.Stats(),
			TTSProviders:   deps.TTSQueue.Stats(),
			OutboundActive: deps.Outbound.ActiveCount(),
		}, nil
	})
}
