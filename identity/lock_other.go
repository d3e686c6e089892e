//go:build !unix

package identity

import "context"

// lockFile is a no-op where flock is unavailable; the in-process lock
// still serializes sessions of this process.
func lockFile(ctx context.Context, path string) (func() error, error) {
	return func() error { return nil }, nil
}
