package jade

// State is the session state of an Engine.
type State int

const (
	Disconnected State = iota
	Locked
	Unlocked
	Ready
	Signing
	// Error is reached after a device became unreachable. The session must be
	// established again with Connect.
	Error
	// LockedOut is reached after too many wrong PINs. It is terminal for the
	// handle: the device must be reset.
	LockedOut
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case Ready:
		return "ready"
	case Signing:
		return "signing"
	case Error:
		return "error"
	case LockedOut:
		return "locked out"
	default:
		return "unknown"
	}
}
