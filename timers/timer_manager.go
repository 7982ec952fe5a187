package timers

import (
	"time"

	"github.com/RussellLuo/timingwheel"
)

// TimerManager schedules eager resume callbacks for delay waits on a
// timing wheel. Timers are in-memory only; the auto-resume scanner is
// the durable backstop after a restart.
type TimerManager struct {
	wheel *timingwheel.TimingWheel
}

func NewTimerManager(maxDelayInSeconds int64) *TimerManager {
	return &TimerManager{
		wheel: timingwheel.NewTimingWheel(time.Second, maxDelayInSeconds),
	}
}

func (m *TimerManager) Schedule(delay time.Duration, task func()) {
	if delay < time.Second {
		delay = time.Second
	}
	m.wheel.AfterFunc(delay, task)
}

func (m *TimerManager) Init() {
	m.wheel.Start()
}

func (m *TimerManager) Stop() {
	m.wheel.Stop()
}
