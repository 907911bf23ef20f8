package engine

// Notifier is the seam for user-facing, non-blocking notifications.
// Implementations must never block the trigger path and never
// interrupt with a modal surface.
type Notifier interface {
	// Degraded reports repeated classification failure, at most once
	// per degradation episode.
	Degraded(reason string)
	// Hidden reports newly hidden item counts when toasts are enabled.
	Hidden(count int)
}

// NoopNotifier discards all notifications.
type NoopNotifier struct{}

// Degraded does nothing.
func (NoopNotifier) Degraded(string) {}

// Hidden does nothing.
func (NoopNotifier) Hidden(int) {}
