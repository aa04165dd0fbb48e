package core

// Host/realtime mode transition coordinator: arms a single absolute-clock
// timer per stepper for "switch into realtime at clock X", and runs the
// deceleration envelope that brings a stepper back to host mode without a
// discontinuity in speed.

// toggleModeEvent is the Go equivalent of toggle_mode_event: it fires at
// the clock previously armed by SetRealtimeMode or scheduleSlowdown, flags
// the stepper for ToggleModeTask to actually flip, and disarms itself
// (mirrors the teacher's "toggle_mode_timer.func = NULL" sentinel).
func (s *Stepper) toggleModeEvent(t *Timer) uint8 {
	s.TogglePending = true
	s.toggleArmed = false
	wakeToggleModeTask()
	return SF_DONE
}

// scheduleSlowdown is the Go equivalent of schedule_slowdown: if the
// worst-case deceleration window (slowdownTime before clock) has already
// begun, it starts the slowdown envelope right away with FreqLimiter scaled
// to the time left; otherwise it arms toggleModeEvent to start it later,
// exactly slowdownTime before clock.
func (s *Stepper) scheduleSlowdown(clock uint32) {
	slowdownTime := s.RT.ControlPeriod * (s.RT.MaxFreq / uint32(s.RT.MaxDeltaFreq))
	now := GetTime()

	if int32(clock-slowdownTime-now) < 0 {
		restTime := clock - now
		s.RT.FreqLimiter = s.RT.MaxDeltaFreq * int32(restTime) / int32(s.RT.ControlPeriod)
		s.RT.Slowdown = true
		return
	}

	DelTimer(&s.ToggleModeTimer)
	s.ToggleModeTimer.WakeTime = clock - slowdownTime
	s.ToggleModeTimer.Handler = s.toggleModeEvent
	s.toggleArmed = true
	ScheduleTimer(&s.ToggleModeTimer)
}

// hostToRealtimeMode is the Go equivalent of host_to_realtime_mode: it
// seeds the realtime state from the stepper's current (host-mode) position
// and direction, arms the control/step timers, and flips Mode.
func (s *Stepper) hostToRealtimeMode() {
	if s.Flags&SFLastDir == 0 {
		s.toggleDir()
		s.RT.DirSave = true
	} else {
		s.RT.DirSave = false
	}
	s.RT.Count = s.GetPosition()

	s.RT.CurrentDir = false
	s.RT.Slowdown = false
	s.RT.CurrentPeriod = 0
	s.RT.CurrentSpeed = 0
	s.RT.CycleCount = 0
	s.RT.LastStep = 0

	now := GetTime()
	s.RT.ControlTimer.Handler = s.rtControlEvent
	s.RT.ControlTimer.WakeTime = now + TimerFreq/10000
	ScheduleTimer(&s.RT.ControlTimer)

	s.RT.StepTimer.Handler = s.rtStepEvent
	s.RT.StepTimer.WakeTime = now + TimerFreq/5000
	ScheduleTimer(&s.RT.StepTimer)

	s.Mode = ModeRealtime
	RecordTiming(EvtModeToRT, s.OID, now, 0, 0)

	if s.RT.SlowdownPending {
		s.RT.SlowdownPending = false
		s.scheduleSlowdown(s.RT.SlowdownClock)
	}
}

// realtimeToHostMode starts the deceleration envelope that rtControlRun
// drains: it's what actually flips Mode back to host, once FreqLimiter
// has run down.
func (s *Stepper) realtimeToHostMode() {
	s.RT.FreqLimiter = int32(s.RT.MaxFreq)
	s.RT.Slowdown = true
}

// SetRealtimeMode is the Go equivalent of command_set_realtime_mode: it
// arms a one-shot timer that switches the stepper into realtime mode at
// clock, recording the soft position limits the servo will respect.
// Arming it twice before it fires is fatal, matching the invariant that a
// stepper only ever has one pending mode transition.
func (s *Stepper) SetRealtimeMode(clock uint32, minPos, maxPos int32) {
	if s.Mode == ModeHost && !s.toggleArmed {
		DelTimer(&s.ToggleModeTimer)
		s.RT.MinPos = minPos
		s.RT.MaxPos = maxPos
		s.ToggleModeTimer.WakeTime = clock
		s.ToggleModeTimer.Handler = s.toggleModeEvent
		s.toggleArmed = true
		ScheduleTimer(&s.ToggleModeTimer)
		return
	}
	TryShutdown("Prevent stepper realtime mode enable twice.")
}

// SetHostMode is the Go equivalent of command_set_host_mode: if the
// stepper is already in realtime mode it schedules the slowdown envelope
// (see scheduleSlowdown) so speed reaches zero at clock; otherwise it's
// still mid-transition into realtime, so the
// request is deferred until hostToRealtimeMode actually takes effect.
func (s *Stepper) SetHostMode(clock uint32) {
	if s.Mode == ModeRealtime {
		s.scheduleSlowdown(clock)
		return
	}
	s.RT.SlowdownPending = true
	s.RT.SlowdownClock = clock
}

var toggleModeWake bool

func wakeToggleModeTask() {
	toggleModeWake = true
}

// ToggleModeTask drains the mode-transition wake flag and performs every
// pending host<->realtime switch. Call it once per main loop iteration
// alongside RTControlTask.
func ToggleModeTask() {
	if !toggleModeWake {
		return
	}
	toggleModeWake = false
	for _, s := range steppers {
		if s == nil || !s.TogglePending {
			continue
		}
		s.TogglePending = false
		if s.Mode == ModeHost {
			s.hostToRealtimeMode()
		} else {
			s.realtimeToHostMode()
		}
	}
}
