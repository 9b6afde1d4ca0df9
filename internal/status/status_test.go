package status

import (
	"context"
	"net"
	"testing"
	"time"

	"promoter/internal/models"
	"promoter/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMonitorCheck(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor(repository.NewMemoryHeartbeatStore(0), "w1", 30*time.Second)
	now := t0
	m.SetClock(func() time.Time { return now })

	h, err := m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy, "no heartbeat yet")
	assert.Nil(t, h.Last)

	require.NoError(t, m.Record(ctx, models.Heartbeat{At: t0, Tick: 1}))

	now = t0.Add(10 * time.Second)
	h, err = m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, "w1", h.Last.WorkerID, "worker id filled in")
	assert.Equal(t, 10*time.Second, h.Age)

	now = t0.Add(31 * time.Second)
	h, err = m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
}

func TestHealthServerReflectsHeartbeat(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor(repository.NewMemoryHeartbeatStore(0), "w1", 30*time.Second)
	now := t0
	m.SetClock(func() time.Time { return now })

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := newHealthServer(lis, m, nil)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkerService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	require.NoError(t, m.Record(ctx, models.Heartbeat{At: t0}))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Refresh(ctx))

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	now = t0.Add(time.Minute)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Refresh(ctx))
}
