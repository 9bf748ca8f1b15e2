package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/types"
)

func TestRegisterRejectsInvalidDetectors(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Detector{Name: "", Kinds: []EventKind{KindAck}, Detect: func(*Context) *types.Anomaly { return nil }}))
	assert.Error(t, r.Register(Detector{Name: "x", Kinds: []EventKind{KindAck}}))
	assert.Error(t, r.Register(Detector{Name: "x", Detect: func(*Context) *types.Anomaly { return nil }}))
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	d := Detector{
		Name:    "dup",
		Kinds:   []EventKind{KindAck},
		Enabled: true,
		Detect:  func(*Context) *types.Anomaly { return nil },
	}
	require.NoError(t, r.Register(d))
	assert.Error(t, r.Register(d))
}

func TestDetectInvocationOrder(t *testing.T) {
	r := NewRegistry()
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, r.Register(Detector{
			Name:    name,
			Kinds:   []EventKind{KindDequeue},
			Enabled: true,
			Detect: func(*Context) *types.Anomaly {
				order = append(order, name)
				return nil
			},
		}))
	}

	r.Detect(&Context{Kind: KindDequeue})
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDetectFiltersByKindAndEnabled(t *testing.T) {
	r := NewRegistry()
	calls := map[string]int{}

	require.NoError(t, r.Register(Detector{
		Name: "ack-only", Kinds: []EventKind{KindAck}, Enabled: true,
		Detect: func(*Context) *types.Anomaly { calls["ack-only"]++; return nil },
	}))
	require.NoError(t, r.Register(Detector{
		Name: "disabled", Kinds: []EventKind{KindDequeue}, Enabled: false,
		Detect: func(*Context) *types.Anomaly { calls["disabled"]++; return nil },
	}))

	r.Detect(&Context{Kind: KindDequeue})
	assert.Equal(t, 0, calls["ack-only"])
	assert.Equal(t, 0, calls["disabled"])

	r.Detect(&Context{Kind: KindAck})
	assert.Equal(t, 1, calls["ack-only"])
}

func TestSetEnabled(t *testing.T) {
	r := NewRegistry()
	calls := 0
	require.NoError(t, r.Register(Detector{
		Name: "toggle", Kinds: []EventKind{KindDequeue}, Enabled: false,
		Detect: func(*Context) *types.Anomaly { calls++; return nil },
	}))

	r.Detect(&Context{Kind: KindDequeue})
	assert.Equal(t, 0, calls)

	require.NoError(t, r.SetEnabled("toggle", true))
	r.Detect(&Context{Kind: KindDequeue})
	assert.Equal(t, 1, calls)

	assert.Error(t, r.SetEnabled("missing", true))
}

func TestDetectRecoversPanickingDetector(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Detector{
		Name: "panics", Kinds: []EventKind{KindDequeue}, Enabled: true,
		Detect: func(*Context) *types.Anomaly { panic("boom") },
	}))
	require.NoError(t, r.Register(Detector{
		Name: "reports", Kinds: []EventKind{KindDequeue}, Enabled: true,
		Detect: func(*Context) *types.Anomaly {
			return &types.Anomaly{Type: "test", Severity: types.SeverityInfo}
		},
	}))

	found := r.Detect(&Context{Kind: KindDequeue, MessageID: "m1", ConsumerID: "c1"})
	require.Len(t, found, 1)
	assert.Equal(t, types.AnomalyType("test"), found[0].Type)
	// Detect stamps message and consumer onto the result
	assert.Equal(t, "m1", found[0].MessageID)
	assert.Equal(t, "c1", found[0].ConsumerID)
}

func TestDefaultRegistryOrder(t *testing.T) {
	r := NewDefaultRegistry()
	detectors := r.List()

	names := make([]string, len(detectors))
	for i, d := range detectors {
		names[i] = d.Name
		assert.True(t, d.Enabled, "built-in %s should be enabled", d.Name)
		assert.NotEmpty(t, d.Kinds)
	}
	assert.Equal(t, []string{
		"flash_message", "large_payload", "long_processing", "lock_stolen",
		"near_dlq", "dlq_movement", "zombie_message", "burst_dequeue",
		"bulk_operation", "queue_cleared",
	}, names)
}
