package slogutil

import (
	"log/slog"
	"sync/atomic"
)

// DynamicLeveler is a slog.Leveler whose level can be changed while
// handlers hold it. The zero value reports slog.LevelInfo.
type DynamicLeveler struct {
	level atomic.Int64
}

// Level reports the current minimum level.
func (dl *DynamicLeveler) Level() slog.Level {
	return slog.Level(dl.level.Load())
}

// SetLevel changes the minimum level for every handler sharing this
// leveler.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(int64(level))
}
