package server

import (
	"log"
	"sync/atomic"

	"github.com/crystal-mush/clanwar/pkg/events"
)

// debugMode is set via -debug or CLANWAR_DEBUG=true.
var debugMode atomic.Bool

// SetDebug enables or disables debug logging.
func SetDebug(on bool) {
	debugMode.Store(on)
	if on {
		log.Printf("[DEBUG] debug logging enabled")
	}
}

// IsDebug returns whether debug logging is currently enabled.
func IsDebug() bool {
	return debugMode.Load()
}

// DebugLog prints a debug message if debug mode is enabled.
func DebugLog(format string, args ...any) {
	if debugMode.Load() {
		log.Printf("[DEBUG] "+format, args...)
	}
}

// EventLogger is a global bus subscriber that traces every war event while
// debug mode is on.
type EventLogger struct{}

// Receive implements events.Subscriber.
func (EventLogger) Receive(ev events.Event) {
	DebugLog("event %s room=%s war=%s data=%+v", ev.Type, ev.Room, ev.War, ev.Data)
}

// Closed implements events.Subscriber.
func (EventLogger) Closed() bool { return false }
