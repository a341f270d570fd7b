package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPCheckerHealthyWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	checker := NewTCPChecker(ln.Addr().String()).WithTimeout(time.Second)
	result := checker.Check(context.Background())

	assert.True(t, result.Healthy)
	assert.Equal(t, CheckTypeTCP, checker.Type())
}

func TestTCPCheckerUnhealthyWhenNothingListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	checker := NewTCPChecker(addr).WithTimeout(200 * time.Millisecond)
	result := checker.Check(context.Background())

	assert.False(t, result.Healthy)
	assert.NotEmpty(t, result.Message)
}

func TestStatusHysteresis(t *testing.T) {
	cfg := Config{Retries: 2}
	status := NewStatus()

	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.True(t, status.Healthy, "one failure shouldn't flip healthy yet")

	status.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	assert.False(t, status.Healthy, "two consecutive failures should flip healthy")

	status.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	assert.True(t, status.Healthy, "a single success should clear it")
}
