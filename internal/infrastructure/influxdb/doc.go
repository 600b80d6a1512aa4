// Package influxdb records direct sensor readings into InfluxDB.
//
// Each successful direct read becomes one point in the "readings"
// measurement, tagged with the sensor (component_name), robot and source.
// Points use the same layout the dataapi package queries, so a bridge
// pointed at its own bucket can serve history and cloud fallback from it.
//
// # Usage
//
//	rec, err := influxdb.Connect(cfg.InfluxDB, robotID)
//	if err != nil {
//	    return err
//	}
//	defer rec.Close()
//	rec.SetOnError(func(err error) { log.Warn("influx write failed", "error", err) })
//
//	aggregator := sensor.NewAggregator(direct, cloud, sensorCfg, sensor.Options{Recorder: rec})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are non-blocking and
// batched per batch_size and flush_interval; failures arrive on the
// SetOnError callback.
package influxdb
