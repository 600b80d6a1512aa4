// Package api implements the bridge's HTTP REST API and WebSocket event hub.
//
// This package provides:
//   - Read endpoints for covers, sensors and the robot session
//   - Cover command endpoints (open, close, stop)
//   - Cover transition and connection event history from SQLite
//   - Sensor history from the cloud Data API
//   - A WebSocket hub broadcasting cover, sensor and connection events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// When api.auth.jwt_secret is set every route except /health requires an
// HS256 bearer token (see MintToken). WebSocket clients exchange their token
// for a single-use ticket at POST /api/v1/auth/ws-ticket. Without a secret
// the API is open to the local network.
//
// # Graceful Degradation
//
// History and sensor history answer 503 when their store is disabled. Every
// other endpoint works from in-memory state.
package api
