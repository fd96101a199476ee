// Package calibration defines the types shared by the PMT board calibration
// workflow. It contains:
//
//   - Stage: the discrete steps of the calibration state machine
//   - ChannelVoltage / ChannelMonitor: per-channel readings from the bridge
//   - Violation: a single failed tolerance comparison
//   - StageResult / RunSummary: what a run reports and what the journal keeps
//   - Status: a synthesized view model returned by the daemon HTTP API
//
// These types are shared across pipeline, daemon, client and CLI code to avoid
// duplicate definitions and keep JSON contracts consistent.
package calibration
