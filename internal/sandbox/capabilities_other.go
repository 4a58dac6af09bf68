//go:build !linux

package sandbox

// DetectCapabilities reports no isolation outside Linux.
func DetectCapabilities() Capabilities {
	return Capabilities{}
}
