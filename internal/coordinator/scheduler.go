package coordinator

import (
	"time"

	"github.com/treeland-project/sessiond/internal/eventloop"
	"github.com/treeland-project/sessiond/internal/overlap"
)

type loopScheduler struct {
	loop *eventloop.Loop
}

// LoopScheduler schedules overlap timers on loop so fires run on the loop
// goroutine.
func LoopScheduler(loop *eventloop.Loop) overlap.Scheduler {
	return loopScheduler{loop: loop}
}

func (s loopScheduler) AfterFunc(d time.Duration, f func()) overlap.Timer {
	return s.loop.AfterFunc(d, f)
}
