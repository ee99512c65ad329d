package audit

import "strings"

// Phase enumerates the coarse lifecycle of an audit session on the client.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScanning  Phase = "scanning"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether the phase only leaves through Reset.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// FriendlyName returns the label shown in the status header.
func (p Phase) FriendlyName() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseScanning:
		return "Scanning"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	default:
		return string(p)
	}
}

// RemoteStatus is the coarse job status reported by GET /status.
type RemoteStatus string

const (
	RemoteIdle      RemoteStatus = "idle"
	RemoteStarting  RemoteStatus = "starting"
	RemoteScanning  RemoteStatus = "scanning"
	RemoteCompleted RemoteStatus = "completed"
	RemoteError     RemoteStatus = "error"
)

// ParseRemoteStatus lowercases and trims the wire value. Unrecognised values
// are returned as-is so callers can log them; they count as "still running".
func ParseRemoteStatus(raw string) RemoteStatus {
	return RemoteStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// Settled reports whether the remote job reached a final state.
func (s RemoteStatus) Settled() bool {
	return s == RemoteCompleted || s == RemoteError
}
