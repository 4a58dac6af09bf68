package sandbox

// Capabilities describes the isolation the host kernel offers.
type Capabilities struct {
	UserNamespace bool `json:"user_namespace"`
	Landlock      bool `json:"landlock"`
	LandlockABI   int  `json:"landlock_abi"`
}

// EffectiveLevel is "full" with user namespaces and Landlock, "partial"
// with one of them and "minimal" with only environment filtering.
func (c Capabilities) EffectiveLevel() string {
	if c.UserNamespace && c.Landlock {
		return "full"
	}
	if c.UserNamespace || c.Landlock {
		return "partial"
	}
	return "minimal"
}
