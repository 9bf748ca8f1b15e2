package anomaly

import (
	"github.com/cuemby/courier/pkg/types"
)

// builtinDetectors returns the standard detector set in its documented
// invocation order. All built-ins are enabled by default.
func builtinDetectors() []Detector {
	return []Detector{
		{
			Name:        "flash_message",
			Description: "message dequeued almost immediately after enqueue, often a tight test loop",
			Kinds:       []EventKind{KindDequeue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.TimeInQueueMs >= ctx.Thresholds.FlashThresholdMs {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyFlashMessage,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"time_in_queue_ms": ctx.TimeInQueueMs,
						"threshold_ms":     ctx.Thresholds.FlashThresholdMs,
					},
				}
			},
		},
		{
			Name:        "large_payload",
			Description: "payload size above the configured threshold",
			Kinds:       []EventKind{KindEnqueue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.Thresholds.LargePayloadBytes <= 0 ||
					ctx.PayloadSize <= ctx.Thresholds.LargePayloadBytes {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyLargePayload,
					Severity: types.SeverityInfo,
					Details: map[string]any{
						"payload_size_bytes": ctx.PayloadSize,
						"threshold_bytes":    ctx.Thresholds.LargePayloadBytes,
					},
				}
			},
		},
		{
			Name:        "long_processing",
			Description: "acknowledge arrived after an unusually long processing time",
			Kinds:       []EventKind{KindAck},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.ProcessingTimeMs <= ctx.Thresholds.LongProcessingMs {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyLongProcessing,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"processing_time_ms": ctx.ProcessingTimeMs,
						"threshold_ms":       ctx.Thresholds.LongProcessingMs,
					},
				}
			},
		},
		{
			Name:        "lock_stolen",
			Description: "ack presented a lock token that no longer owns the message",
			Kinds:       []EventKind{KindAck},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.ReceivedLockToken == "" ||
					ctx.ReceivedLockToken == ctx.ExpectedLockToken {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyLockStolen,
					Severity: types.SeverityCritical,
					Details: map[string]any{
						"expected_lock_token": ctx.ExpectedLockToken,
						"received_lock_token": ctx.ReceivedLockToken,
					},
				}
			},
		},
		{
			Name:        "near_dlq",
			Description: "message is one failure away from the dead-letter status",
			Kinds:       []EventKind{KindDequeue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.AttemptsRemaining > ctx.Thresholds.NearDLQThreshold {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyNearDLQ,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"attempts_remaining": ctx.AttemptsRemaining,
						"max_attempts":       ctx.MaxAttempts,
					},
				}
			},
		},
		{
			Name:        "dlq_movement",
			Description: "message exhausted its attempts and moved to the dead-letter status",
			Kinds:       []EventKind{KindNack, KindTimeoutRequeue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if !ctx.DLQTransition && ctx.AttemptCount < ctx.MaxAttempts {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyDLQMovement,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"attempt_count": ctx.AttemptCount,
						"max_attempts":  ctx.MaxAttempts,
					},
				}
			},
		},
		{
			Name:        "zombie_message",
			Description: "lock expired far beyond the expected visibility timeout, suggesting a crashed consumer",
			Kinds:       []EventKind{KindTimeoutRequeue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				limit := float64(ctx.ExpectedTimeoutMs) * ctx.Thresholds.ZombieMultiplier
				if ctx.ExpectedTimeoutMs <= 0 || float64(ctx.OverdueMs) <= limit {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyZombieMessage,
					Severity: types.SeverityCritical,
					Details: map[string]any{
						"overdue_ms":          ctx.OverdueMs,
						"expected_timeout_ms": ctx.ExpectedTimeoutMs,
						"zombie_multiplier":   ctx.Thresholds.ZombieMultiplier,
					},
				}
			},
		},
		{
			Name:        "burst_dequeue",
			Description: "consumer pulling messages at an unusually high rate",
			Kinds:       []EventKind{KindDequeue},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.RecentDequeues < ctx.Thresholds.BurstCount {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyBurstDequeue,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"recent_dequeues": ctx.RecentDequeues,
						"burst_count":     ctx.Thresholds.BurstCount,
						"burst_seconds":   ctx.Thresholds.BurstSeconds,
					},
				}
			},
		},
		{
			Name:        "bulk_operation",
			Description: "bulk enqueue, move, or delete touching many messages",
			Kinds:       []EventKind{KindBulkOperation},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.BulkOperation == "clear" ||
					ctx.AffectedCount < ctx.Thresholds.BulkThreshold {
					return nil
				}
				var at types.AnomalyType
				switch ctx.BulkOperation {
				case "enqueue":
					at = types.AnomalyBulkEnqueue
				case "delete":
					at = types.AnomalyBulkDelete
				case "move":
					at = types.AnomalyBulkMove
				default:
					return nil
				}
				return &types.Anomaly{
					Type:     at,
					Severity: types.SeverityInfo,
					Details: map[string]any{
						"operation":      ctx.BulkOperation,
						"affected_count": ctx.AffectedCount,
						"bulk_threshold": ctx.Thresholds.BulkThreshold,
					},
				}
			},
		},
		{
			Name:        "queue_cleared",
			Description: "an entire status of a queue was cleared",
			Kinds:       []EventKind{KindBulkOperation},
			Enabled:     true,
			Detect: func(ctx *Context) *types.Anomaly {
				if ctx.BulkOperation != "clear" || ctx.AffectedCount == 0 {
					return nil
				}
				return &types.Anomaly{
					Type:     types.AnomalyQueueCleared,
					Severity: types.SeverityWarning,
					Details: map[string]any{
						"affected_count": ctx.AffectedCount,
					},
				}
			},
		},
	}
}
