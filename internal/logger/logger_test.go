package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestInitialize_InvalidLevelFallsBackToInfo(t *testing.T) {
	Initialize("not-a-level", false)
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("expected an unparseable level to fall back to info, got %v", zerolog.GlobalLevel())
	}
}

func TestInitialize_ValidLevelIsHonored(t *testing.T) {
	Initialize("debug", false)
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("expected debug level to be honored, got %v", zerolog.GlobalLevel())
	}
}

func TestComponentLoggersAreNonNil(t *testing.T) {
	Initialize("info", false)
	if Session() == nil || Scheduler() == nil || Executor() == nil || Callback() == nil {
		t.Fatal("expected every component logger constructor to return a non-nil logger")
	}
}
