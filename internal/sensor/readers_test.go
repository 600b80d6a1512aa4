package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/robot/robottest"
)

func newStack(t *testing.T, conn *robottest.Conn) (*connection.Manager, *executor.Executor) {
	t.Helper()
	mgr := connection.NewManager(connection.Config{Endpoint: "robot"},
		robottest.NewDialer(robottest.DialResult{Conn: conn}), nil)
	t.Cleanup(func() { mgr.Close() }) //nolint:errcheck // Test cleanup
	exec := executor.New(mgr, connection.BackoffConfig{Floor: time.Millisecond, Max: 5 * time.Millisecond}, nil)
	return mgr, exec
}

func TestDirectReader_TimeoutIsolatedPerSensor(t *testing.T) {
	conn := robottest.NewConn(map[string]robot.Readings{
		"slow": {"value": 1.0},
		"fast": {"value": 2.0},
	})
	conn.ReadFunc = func(ctx context.Context, name string) (robot.Readings, error) {
		if name == "slow" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return robot.Readings{"value": 2.0}, nil
	}
	_, exec := newStack(t, conn)

	reader := NewDirectReader(exec, executor.Policy{Timeout: 50 * time.Millisecond, MaxRetries: 1})
	a := NewAggregator(Config{Interval: time.Minute, Concurrency: 2}, reader, nil, Options{})

	start := time.Now()
	a.PollOnce(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, []string{"fast", "slow"}, a.Sensors())
	p, ok := a.Get("fast")
	require.True(t, ok)
	assert.Equal(t, 2.0, p.Values["value"])
	_, ok = a.Get("slow")
	assert.False(t, ok)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDirectReader_ForgetDropsClass(t *testing.T) {
	conn := robottest.NewConn(map[string]robot.Readings{"temp": {"value": 1.0}})
	_, exec := newStack(t, conn)
	reader := NewDirectReader(exec, executor.Policy{Timeout: time.Second})

	got, err := reader.Read(context.Background(), "temp")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["value"])

	_, err = reader.Read(context.Background(), "missing")
	assert.Equal(t, executor.KindFailed, executor.KindOf(err))
	assert.ErrorIs(t, err, robot.ErrRemote)

	reader.Forget("temp")
}

type fakeLatest struct {
	values robot.Readings
	at     time.Time
	err    error
}

func (f fakeLatest) QueryLatest(context.Context, string) (robot.Readings, time.Time, error) {
	return f.values, f.at, f.err
}

func TestCloudReader(t *testing.T) {
	_, exec := newStack(t, robottest.NewConn(nil))
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	r := NewCloudReader(exec, fakeLatest{values: robot.Readings{"mm": 3.0}, at: at}, executor.Policy{Timeout: time.Second})
	values, got, err := r.Latest(context.Background(), "rain")
	require.NoError(t, err)
	assert.Equal(t, 3.0, values["mm"])
	assert.Equal(t, at, got)

	failing := NewCloudReader(exec, fakeLatest{err: errors.New("no data")}, executor.Policy{Timeout: time.Second})
	_, _, err = failing.Latest(context.Background(), "rain")
	assert.Equal(t, executor.KindFailed, executor.KindOf(err))
}
