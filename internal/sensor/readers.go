package sensor

import (
	"context"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// DirectSource lists and reads sensors on the robot.
type DirectSource interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) (robot.Readings, error)
	// Forget releases per-sensor state once a sensor disappears.
	Forget(name string)
}

// CloudSource returns the latest stored values of a sensor.
type CloudSource interface {
	Latest(ctx context.Context, name string) (robot.Readings, time.Time, error)
}

// Recorder stores successful direct readings.
type Recorder interface {
	RecordReading(r Reading)
}

// DirectReader reads sensors through the executor.
type DirectReader struct {
	exec   *executor.Executor
	policy executor.Policy
}

// NewDirectReader creates a DirectReader using policy for every call.
func NewDirectReader(exec *executor.Executor, policy executor.Policy) *DirectReader {
	return &DirectReader{exec: exec, policy: policy}
}

// DiscoveryClass is the executor class of sensor discovery.
const DiscoveryClass = "discovery"

func (d *DirectReader) List(ctx context.Context) ([]string, error) {
	return executor.Execute(ctx, d.exec, DiscoveryClass, d.policy,
		func(ctx context.Context, conn robot.Conn) ([]string, error) {
			return conn.ListSensors(ctx)
		})
}

func (d *DirectReader) Read(ctx context.Context, name string) (robot.Readings, error) {
	return executor.Execute(ctx, d.exec, "sensor/"+name, d.policy,
		func(ctx context.Context, conn robot.Conn) (robot.Readings, error) {
			return conn.ReadSensor(ctx, name)
		})
}

func (d *DirectReader) Forget(name string) {
	d.exec.Forget("sensor/" + name)
}

// latestQuerier is satisfied by *dataapi.Client.
type latestQuerier interface {
	QueryLatest(ctx context.Context, sensor string) (robot.Readings, time.Time, error)
}

// CloudReader reads stored values through the executor's sessionless path.
type CloudReader struct {
	exec   *executor.Executor
	client latestQuerier
	policy executor.Policy
}

// NewCloudReader creates a CloudReader.
func NewCloudReader(exec *executor.Executor, client latestQuerier, policy executor.Policy) *CloudReader {
	return &CloudReader{exec: exec, client: client, policy: policy}
}

type latest struct {
	values robot.Readings
	at     time.Time
}

func (c *CloudReader) Latest(ctx context.Context, name string) (robot.Readings, time.Time, error) {
	res, err := executor.Call(ctx, c.exec, "cloud/"+name, c.policy,
		func(ctx context.Context) (latest, error) {
			v, at, err := c.client.QueryLatest(ctx, name)
			return latest{values: v, at: at}, err
		})
	return res.values, res.at, err
}
