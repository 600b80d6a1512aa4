// Package dataapi queries sensor readings previously stored in the cloud.
//
// The store is an InfluxDB v2 bucket holding one "readings" measurement,
// tagged by component and robot, with one field per reading value.
package dataapi

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Query defaults.
const (
	DefaultLookback   = 24 * time.Hour
	DefaultRangeLimit = 100
)

// Config configures a Client.
type Config struct {
	URL        string
	OrgID      string
	APIKey     string
	Bucket     string
	RobotID    string
	Lookback   time.Duration
	RangeLimit int
	// RangeTimeout bounds QueryRange when positive.
	RangeTimeout time.Duration
}

// Sample is one pivoted row from a range query.
type Sample struct {
	Time   time.Time      `json:"time"`
	Values robot.Readings `json:"values"`
}

// recordSource runs a Flux query and returns its records.
type recordSource interface {
	records(ctx context.Context, flux string) ([]*query.FluxRecord, error)
}

// Client queries the cloud store.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	client influxdb2.Client
	src    recordSource
}

// New creates a Client. No request is made until the first query.
//
// Returns:
//   - *Client: ready client
//   - error: ErrNotConfigured when url, org id, api key or robot id is empty
func New(cfg Config) (*Client, error) {
	var missing []string
	for name, v := range map[string]string{"url": cfg.URL, "org_id": cfg.OrgID, "api_key": cfg.APIKey, "robot_id": cfg.RobotID} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(missing, ", "))
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "viam"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.RangeLimit <= 0 {
		cfg.RangeLimit = DefaultRangeLimit
	}

	client := influxdb2.NewClient(cfg.URL, cfg.APIKey)
	return &Client{
		cfg:    cfg,
		client: client,
		src:    &influxSource{client: client, org: cfg.OrgID},
	}, nil
}

// newWithSource builds a Client over src for tests.
func newWithSource(cfg Config, src recordSource) *Client {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.RangeLimit <= 0 {
		cfg.RangeLimit = DefaultRangeLimit
	}
	return &Client{cfg: cfg, src: src}
}

// QueryLatest returns the newest value of every field recorded for sensor
// within the lookback window.
//
// Returns:
//   - robot.Readings: field values
//   - time.Time: the newest record time among the fields
//   - error: ErrNoData when nothing was recorded in the window
func (c *Client) QueryLatest(ctx context.Context, sensor string) (robot.Readings, time.Time, error) {
	recs, err := c.src.records(ctx, latestQuery(c.cfg.Bucket, sensor, c.cfg.RobotID, c.cfg.Lookback))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("querying latest %s: %w", sensor, err)
	}

	values := robot.Readings{}
	var newest time.Time
	for _, rec := range recs {
		field := rec.Field()
		if field == "" {
			continue
		}
		values[field] = rec.Value()
		if t := rec.Time(); t.After(newest) {
			newest = t
		}
	}
	if len(values) == 0 {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoData, sensor)
	}
	return values, newest, nil
}

// QueryRange returns up to the configured limit of samples for sensor
// between start and end, newest first.
func (c *Client) QueryRange(ctx context.Context, sensor string, start, end time.Time) ([]Sample, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("querying range %s: end %s is not after start %s", sensor, end, start)
	}
	if c.cfg.RangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RangeTimeout)
		defer cancel()
	}
	recs, err := c.src.records(ctx, rangeQuery(c.cfg.Bucket, sensor, c.cfg.RobotID, start, end, c.cfg.RangeLimit))
	if err != nil {
		return nil, fmt.Errorf("querying range %s: %w", sensor, err)
	}

	samples := make([]Sample, 0, len(recs))
	for _, rec := range recs {
		values := robot.Readings{}
		for k, v := range rec.Values() {
			if isMetaColumn(k) {
				continue
			}
			values[k] = v
		}
		if len(values) == 0 {
			continue
		}
		samples = append(samples, Sample{Time: rec.Time(), Values: values})
	}
	return samples, nil
}

// Ping checks that the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("pinging data api: %w", err)
	}
	if !ok {
		return fmt.Errorf("pinging data api: server not healthy")
	}
	return nil
}

// Close releases the underlying HTTP client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// isMetaColumn reports Flux bookkeeping columns and tags in pivoted rows.
func isMetaColumn(k string) bool {
	if strings.HasPrefix(k, "_") {
		return true
	}
	switch k {
	case "result", "table", TagComponent, TagRobot, TagSource:
		return true
	}
	return false
}

// influxSource runs queries against an InfluxDB v2 QueryAPI.
type influxSource struct {
	client influxdb2.Client
	org    string
}

func (s *influxSource) records(ctx context.Context, flux string) ([]*query.FluxRecord, error) {
	result, err := s.client.QueryAPI(s.org).Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close() //nolint:errcheck // Read-only result

	var recs []*query.FluxRecord
	for result.Next() {
		recs = append(recs, result.Record())
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}
