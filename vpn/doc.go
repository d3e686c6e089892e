// Package vpn drives the external VPN control process.
//
// This package implements the connection side of a session:
//
//   - Executor: Runs the control binary with a bounded timeout and separate stdout/stderr
//   - Controller: Connection state machine with region switching and polling
//   - HealthChecker: Reports tunnel health while a session is running
//
// # Connection Flow
//
// A typical connect:
//
//  1. Controller.Connect(ctx, "us_dallas") takes the tunnel gate
//  2. The current tunnel is disconnected and Disconnected is awaited
//  3. The region is set and "-t <secs> connect" is issued
//  4. "get connectionstate" is polled until Connected or WaitTimeout
//  5. SettleDelay elapses so routing stabilizes before the browser starts
//
// Only a non-zero exit of the control process is a failure. Output on
// stderr is logged at warn level and otherwise ignored.
//
// # Thread Safety
//
// The tunnel is a host-global resource. A Controller serializes Connect and
// Disconnect through a single-slot gate that honors context cancellation,
// so the command sequences of two operations never interleave. Share one
// Controller per process.
package vpn
