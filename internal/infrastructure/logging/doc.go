// Package logging provides structured logging for the Viam bridge.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and the same level filtering.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("connected to robot", "host", cfg.Robot.Hostname)
//
// Never log API keys or session tokens.
package logging
