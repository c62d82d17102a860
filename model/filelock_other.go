//go:build !unix

package model

import "context"

// lockFile is process-local only on platforms without flock; LocalStorage
// still serializes writers through its mutex.
func lockFile(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}
