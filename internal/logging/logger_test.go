package logging

import "testing"

func TestOrNopReturnsNopForNil(t *testing.T) {
	logger := OrNop(nil)
	if logger == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	// Must not panic.
	logger.Debug("debug %d", 1)
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestOrNopPassesThroughNonNil(t *testing.T) {
	base := Nop()
	if got := OrNop(base); got != base {
		t.Fatalf("OrNop changed a non-nil logger: %v", got)
	}
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		DEBUG:     "DEBUG",
		INFO:      "INFO",
		WARN:      "WARN",
		ERROR:     "ERROR",
		Level(42): "?",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
