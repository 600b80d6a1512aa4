// Package homeassistant binds covers and sensors to Home Assistant through
// MQTT discovery.
//
// For every motor and sensor the bridge publishes a retained discovery
// config, then keeps the state, attribute and availability topics current.
// Cover commands arrive on {base}/{entry}/cover/+/set and are dispatched to
// the cover controller without waiting for the motion to finish.
//
// Entities use three availability topics with availability_mode "all":
// the bridge status (Last Will), the robot session, and for covers whether
// the motor is present on the robot.
//
// Publishing runs on one goroutine (Run) so callbacks from covers, the
// aggregator and the connection manager never block on the broker.
package homeassistant
