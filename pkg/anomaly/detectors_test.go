package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/types"
)

func testThresholds() Thresholds {
	return Thresholds{
		FlashThresholdMs:  50,
		LargePayloadBytes: 1024,
		LongProcessingMs:  30_000,
		NearDLQThreshold:  1,
		ZombieMultiplier:  3.0,
		BurstCount:        50,
		BurstSeconds:      10,
		BulkThreshold:     10,
	}
}

// detectOne runs the default registry and returns the first anomaly of the
// given type, or nil.
func detectOne(t *testing.T, ctx *Context, want types.AnomalyType) *types.Anomaly {
	t.Helper()
	for _, a := range NewDefaultRegistry().Detect(ctx) {
		if a.Type == want {
			return a
		}
	}
	return nil
}

func TestFlashMessage(t *testing.T) {
	tests := []struct {
		name          string
		timeInQueueMs int64
		expect        bool
	}{
		{"well under threshold", 5, true},
		{"just under threshold", 49, true},
		{"at threshold", 50, false},
		{"over threshold", 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{
				Kind:              KindDequeue,
				TimeInQueueMs:     tt.timeInQueueMs,
				AttemptsRemaining: 99, // keep near_dlq quiet
				Thresholds:        testThresholds(),
			}
			a := detectOne(t, ctx, types.AnomalyFlashMessage)
			if tt.expect {
				require.NotNil(t, a)
				assert.Equal(t, types.SeverityWarning, a.Severity)
			} else {
				assert.Nil(t, a)
			}
		})
	}
}

func TestLargePayload(t *testing.T) {
	ctx := &Context{
		Kind:        KindEnqueue,
		PayloadSize: 2048,
		Thresholds:  testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyLargePayload)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityInfo, a.Severity)
	assert.Equal(t, 2048, a.Details["payload_size_bytes"])

	ctx.PayloadSize = 512
	assert.Nil(t, detectOne(t, ctx, types.AnomalyLargePayload))
}

func TestLongProcessing(t *testing.T) {
	ctx := &Context{
		Kind:             KindAck,
		ProcessingTimeMs: 45_000,
		Thresholds:       testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyLongProcessing)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityWarning, a.Severity)

	ctx.ProcessingTimeMs = 100
	assert.Nil(t, detectOne(t, ctx, types.AnomalyLongProcessing))
}

func TestLockStolen(t *testing.T) {
	ctx := &Context{
		Kind:              KindAck,
		ExpectedLockToken: "current-token",
		ReceivedLockToken: "stale-token",
		Thresholds:        testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyLockStolen)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityCritical, a.Severity)

	// Matching token is fine
	ctx.ReceivedLockToken = "current-token"
	assert.Nil(t, detectOne(t, ctx, types.AnomalyLockStolen))

	// No token presented is a validation problem, not a stolen lock
	ctx.ReceivedLockToken = ""
	assert.Nil(t, detectOne(t, ctx, types.AnomalyLockStolen))
}

func TestNearDLQ(t *testing.T) {
	ctx := &Context{
		Kind:              KindDequeue,
		TimeInQueueMs:     10_000, // keep flash_message quiet
		AttemptsRemaining: 1,
		MaxAttempts:       3,
		Thresholds:        testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyNearDLQ)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityWarning, a.Severity)

	ctx.AttemptsRemaining = 2
	assert.Nil(t, detectOne(t, ctx, types.AnomalyNearDLQ))
}

func TestDLQMovement(t *testing.T) {
	ctx := &Context{
		Kind:          KindNack,
		AttemptCount:  3,
		MaxAttempts:   3,
		DLQTransition: true,
		Thresholds:    testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyDLQMovement)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityWarning, a.Severity)

	ctx = &Context{
		Kind:         KindNack,
		AttemptCount: 1,
		MaxAttempts:  3,
		Thresholds:   testThresholds(),
	}
	assert.Nil(t, detectOne(t, ctx, types.AnomalyDLQMovement))
}

func TestZombieMessage(t *testing.T) {
	ctx := &Context{
		Kind:              KindTimeoutRequeue,
		OverdueMs:         100_000,
		ExpectedTimeoutMs: 30_000,
		AttemptCount:      1,
		MaxAttempts:       3,
		Thresholds:        testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyZombieMessage)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityCritical, a.Severity)

	// Overdue but within the multiplier margin
	ctx.OverdueMs = 60_000
	assert.Nil(t, detectOne(t, ctx, types.AnomalyZombieMessage))
}

func TestBurstDequeue(t *testing.T) {
	ctx := &Context{
		Kind:              KindDequeue,
		TimeInQueueMs:     10_000,
		AttemptsRemaining: 99,
		RecentDequeues:    50,
		Thresholds:        testThresholds(),
	}
	a := detectOne(t, ctx, types.AnomalyBurstDequeue)
	require.NotNil(t, a)
	assert.Equal(t, types.SeverityWarning, a.Severity)

	ctx.RecentDequeues = 49
	assert.Nil(t, detectOne(t, ctx, types.AnomalyBurstDequeue))
}

func TestBulkOperations(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		affected  int
		want      types.AnomalyType
		severity  types.Severity
		expect    bool
	}{
		{"bulk move over threshold", "move", 25, types.AnomalyBulkMove, types.SeverityInfo, true},
		{"bulk delete over threshold", "delete", 10, types.AnomalyBulkDelete, types.SeverityInfo, true},
		{"bulk enqueue over threshold", "enqueue", 100, types.AnomalyBulkEnqueue, types.SeverityInfo, true},
		{"bulk move under threshold", "move", 9, types.AnomalyBulkMove, "", false},
		{"clear always reports queue_cleared", "clear", 1, types.AnomalyQueueCleared, types.SeverityWarning, true},
		{"clear of empty status is quiet", "clear", 0, types.AnomalyQueueCleared, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{
				Kind:          KindBulkOperation,
				BulkOperation: tt.operation,
				AffectedCount: tt.affected,
				Thresholds:    testThresholds(),
			}
			a := detectOne(t, ctx, tt.want)
			if tt.expect {
				require.NotNil(t, a)
				assert.Equal(t, tt.severity, a.Severity)
			} else {
				assert.Nil(t, a)
			}
		})
	}
}
