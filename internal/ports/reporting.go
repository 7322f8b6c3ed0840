package ports

// ErrorReporter collects component failures for later inspection.
// Implementations are fire-and-forget: Collect must never panic or block the
// caller on slow transport.
type ErrorReporter interface {
	Collect(err error, component, userID string, context map[string]any)
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) Collect(error, string, string, map[string]any) {}
