//go:build !linux

package sandbox

// ApplyLandlock is not supported outside Linux.
func ApplyLandlock(_ ExecConfig) error {
	return ErrLandlockUnsupported
}
