package kernel

import (
	"context"
	"time"

	"github.com/knowledge-graph-memory/internal/ai"
	"github.com/knowledge-graph-memory/internal/graph"
	"github.com/knowledge-graph-memory/internal/queue"
)

// ComponentHealth is one dependency's status.
type ComponentHealth struct {
	Status  string `json:"status"` // ok, degraded, down
	Breaker string `json:"breaker,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Health is the component-wise service status.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Graph      graph.Stats                `json:"graph"`
	Probes     int64                      `json:"pending_probes"`
	Starters   int64                      `json:"pending_starters"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// GetHealth reports per-dependency status with circuit-breaker states. The
// service stays up while degraded; the status string tells the agent how
// much to trust an empty answer.
func (k *Kernel) GetHealth(ctx context.Context) Health {
	h := Health{
		Components: make(map[string]ComponentHealth),
		CheckedAt:  time.Now().UTC(),
	}

	if k.running() && k.store != nil {
		h.Components["graph_store"] = ComponentHealth{Status: "ok"}
		h.Graph = k.store.GetStats()
	} else {
		h.Components["graph_store"] = ComponentHealth{Status: "down"}
	}

	if k.provider != nil {
		for tier, name := range map[ai.Tier]string{ai.TierSmall: "llm_small", ai.TierLarge: "llm_large"} {
			state := k.provider.BreakerState(tier)
			status := "ok"
			if state == ai.BreakerOpen {
				status = "degraded"
			}
			h.Components[name] = ComponentHealth{Status: status, Breaker: string(state)}
		}
	}

	if k.natsConn != nil && k.natsConn.IsConnected() {
		h.Components["queues"] = ComponentHealth{Status: "ok"}
	} else {
		h.Components["queues"] = ComponentHealth{Status: "degraded", Detail: "nats disconnected"}
	}

	if k.rdb != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := k.rdb.Ping(pingCtx).Err(); err != nil {
			h.Components["redis"] = ComponentHealth{Status: "degraded", Detail: err.Error()}
		} else {
			h.Components["redis"] = ComponentHealth{Status: "ok"}
			h.Probes = k.outbound.QueueDepth(ctx, queue.KindProbe)
			h.Starters = k.outbound.QueueDepth(ctx, queue.KindStarter)
		}
	}

	h.Status = "ok"
	for _, c := range h.Components {
		if c.Status == "down" {
			h.Status = "down"
			break
		}
		if c.Status == "degraded" {
			h.Status = "degraded"
		}
	}
	return h
}
