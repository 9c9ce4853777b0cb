package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterInterval_RunsJob(t *testing.T) {
	sch, err := New()
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	require.NoError(t, sch.RegisterInterval("test-interval", 20*time.Millisecond, func(ctx context.Context) {
		select {
		case done <- struct{}{}:
		default:
		}
	}))

	sch.Start()
	defer sch.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interval job did not fire in time")
	}
}

func TestRegisterCron_InvalidExpressionErrors(t *testing.T) {
	sch, err := New()
	require.NoError(t, err)
	err = sch.RegisterCron("bad-cron", "not a cron expression", func(ctx context.Context) {})
	assert.Error(t, err)
}
