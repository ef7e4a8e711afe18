package pool

import (
	"context"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const subsystem = "pool"

// NewLoggingContext registers the pool logging subsystem on ctx.
// Pattern: VT_LOG_<SUBSYSTEM>
func NewLoggingContext(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, subsystem, tflog.WithLevelFromEnv("VT_LOG_POOL"))
}

// logPoolEvent logs a pool lifecycle event at a level chosen by event name.
func logPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "pool_closed", "connection_created", "connection_destroyed",
		"prune_completed", "validation_completed":
		tflog.SubsystemDebug(ctx, subsystem, "Pool event", fields)
	case "validation_failed", "checkout_timeout", "destroy_failed", "replenish_failed":
		tflog.SubsystemWarn(ctx, subsystem, "Pool event", fields)
	case "creation_failed", "initialize_failed":
		tflog.SubsystemError(ctx, subsystem, "Pool event", fields)
	default:
		tflog.SubsystemTrace(ctx, subsystem, "Pool event", fields)
	}
}

func (p *Pool) connectionFields(pc *PooledConnection, start time.Time) map[string]any {
	fields := map[string]any{
		"strategy":      p.strategy.String(),
		"connection_id": pc.id,
	}

	if !start.IsZero() {
		fields["duration_ms"] = time.Since(start).Milliseconds()
	}

	return fields
}
