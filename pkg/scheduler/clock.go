package scheduler

import "time"

// Clock источник текущего времени планировщика
type Clock interface {
	Now() time.Time
}

// WallClock системные часы
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }
