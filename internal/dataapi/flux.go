package dataapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tag and measurement names shared with the reading recorder.
const (
	Measurement  = "readings"
	TagComponent = "component_name"
	TagRobot     = "robot_id"
	TagSource    = "source"
)

// fluxString quotes s as a Flux string literal.
func fluxString(s string) string {
	// Flux interpolates ${...} inside string literals.
	return strings.ReplaceAll(strconv.Quote(s), "${", `\${`)
}

// fluxDuration renders d as a negative Flux duration for range(start:).
func fluxDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("-%dh", d/time.Hour)
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("-%dm", d/time.Minute)
	}
	return fmt.Sprintf("-%ds", d/time.Second)
}

func sensorFilter(sensor, robotID string) string {
	return fmt.Sprintf(`filter(fn: (r) => r._measurement == %s and r.%s == %s and r.%s == %s)`,
		fluxString(Measurement),
		TagComponent, fluxString(sensor),
		TagRobot, fluxString(robotID))
}

// latestQuery selects the newest value of every field of sensor.
func latestQuery(bucket, sensor, robotID string, lookback time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s)\n", fluxDuration(lookback))
	fmt.Fprintf(&b, "  |> %s\n", sensorFilter(sensor, robotID))
	b.WriteString("  |> last()")
	return b.String()
}

// rangeQuery selects up to limit rows of sensor between start and end,
// newest first, with one column per field.
func rangeQuery(bucket, sensor, robotID string, start, end time.Time, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from(bucket: %s)\n", fluxString(bucket))
	fmt.Fprintf(&b, "  |> range(start: %s, stop: %s)\n",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  |> %s\n", sensorFilter(sensor, robotID))
	b.WriteString(`  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")` + "\n")
	b.WriteString("  |> group()\n")
	b.WriteString(`  |> sort(columns: ["_time"], desc: true)` + "\n")
	fmt.Fprintf(&b, "  |> limit(n: %d)", limit)
	return b.String()
}
