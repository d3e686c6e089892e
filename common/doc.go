// Package common provides shared constants, types, utilities, and interfaces
// used throughout sessionctl.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Default timeouts, file names, and browser settings
//   - Errors: Sentinel errors and the ErrorKind classification used by session results
//   - Interfaces: Abstractions for credential storage, notifications, and logging
//   - Logger: Leveled logging backed by zap with a rotating file sink
//   - Stack: Frame filtering that hides runtime and third-party frames
//   - Utils: Directory helpers and small string utilities
//
// # Usage
//
//	import "github.com/yllada/sessionctl/common"
//
//	common.LogInfo("Starting session for %s", accountID)
//
//	if errors.Is(err, common.ErrVPNTimeout) {
//	    // the whole session may be retried by the caller
//	}
package common
