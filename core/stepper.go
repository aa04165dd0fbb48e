package core

// Stepper motor pulse scheduler.
//
// Ground truth for the bit-level arithmetic here is the slow-MCU/no-delay
// pulse path: one timer callback both steps and unsteps, count is
// decremented once per full pulse, and the SF_HAVE_ADD flag is kept purely
// as a cheap skip for the common non-accelerating case.

import (
	"errors"
	"sync/atomic"
)

// PositionBias offsets Stepper.Position so that it never needs to carry a
// sign bit of its own; bit 31 of Position is repurposed as an "inverted
// direction so far" marker instead.
const PositionBias uint32 = 0x40000000

// Stepper status flags.
const (
	SFLastDir      = 1 << 0 // direction of the most recently loaded move
	SFNextDir      = 1 << 1 // direction requested for the next queued move
	SFInvertStep   = 1 << 2 // step pin polarity is inverted
	SFHaveAdd      = 1 << 3 // current move has a non-zero interval delta
	SFLastReset    = 1 << 4 // reset_step_clock just ran, suppress one check
	SFNoNextCheck  = 1 << 5 // skip the tail-speed invariant on the next load
	SFNeedReset    = 1 << 6 // queue_step is a no-op until reset_step_clock
)

// StepperMode selects whether a Stepper's pulses come from the host-fed
// move queue or from the realtime position servo.
type StepperMode uint8

const (
	ModeHost      StepperMode = 0
	ModeRealtime  StepperMode = 1
)

const maxSteppers = 16

// Stepper drives a single step/dir axis: either from a queue of Move ramp
// segments supplied by the host, or (once switched into realtime mode)
// from a closed-loop position servo reading an analog error sensor.
type Stepper struct {
	OID uint8

	StepPin GPIOPin
	DirPin  GPIOPin

	MinStopInterval uint32

	// Pulse-generation state (host mode). PulseTimer.WakeTime doubles as
	// next_step_time: the two are the same field, never kept in sync
	// separately.
	PulseTimer Timer
	Interval   uint32
	Add        int16
	Count      uint16
	Flags      uint8

	// Position is stored with PositionBias folded in; bit 31 marks that
	// the net direction since config is "inverted" and must be negated
	// back out. Use GetPosition for the host-visible signed value.
	Position uint32

	first *Move
	tail  *Move

	dirState  bool
	stepState bool

	Mode            StepperMode
	TogglePending   bool
	ToggleModeTimer Timer
	toggleArmed     bool // mirrors "toggle_mode_timer.func == NULL"

	RT RTState
}

var steppers [maxSteppers]*Stepper

var totalStepCount uint64

// GetTotalStepCount returns the number of step edges emitted across every
// configured stepper, for post-mortem diagnostics.
func GetTotalStepCount() uint64 {
	return atomic.LoadUint64(&totalStepCount)
}

// GetStepper returns the stepper configured at oid, or nil if config_stepper
// hasn't run for it yet.
func GetStepper(oid uint8) *Stepper {
	if oid >= maxSteppers {
		return nil
	}
	return steppers[oid]
}

// NewStepper configures a new stepper axis. It is the Go equivalent of
// config_stepper: it claims the step/dir pins, drives them to their idle
// levels, and leaves the stepper in host mode with position zeroed.
func NewStepper(oid, stepPin, dirPin uint8, invertStep bool, minStopInterval uint32) (*Stepper, error) {
	if oid >= maxSteppers {
		return nil, errors.New("stepper OID exceeds maximum")
	}
	if steppers[oid] != nil {
		return nil, errors.New("stepper oid already configured")
	}

	s := &Stepper{
		OID:             oid,
		StepPin:         GPIOPin(stepPin),
		DirPin:          GPIOPin(dirPin),
		MinStopInterval: minStopInterval,
		Mode:            ModeHost,
	}
	if invertStep {
		s.Flags |= SFInvertStep
	}
	s.stepState = invertStep
	s.dirState = false

	bias := PositionBias
	s.Position = -bias

	s.PulseTimer.Handler = s.pulseEvent

	gpio := MustGPIO()
	if err := gpio.ConfigureOutput(s.StepPin); err != nil {
		return nil, err
	}
	if err := gpio.ConfigureOutput(s.DirPin); err != nil {
		return nil, err
	}
	if err := gpio.SetPin(s.StepPin, s.stepState); err != nil {
		return nil, err
	}
	if err := gpio.SetPin(s.DirPin, s.dirState); err != nil {
		return nil, err
	}

	steppers[oid] = s
	return s, nil
}

func (s *Stepper) toggleStep() {
	s.stepState = !s.stepState
	MustGPIO().SetPin(s.StepPin, s.stepState)
}

func (s *Stepper) toggleDir() {
	s.dirState = !s.dirState
	MustGPIO().SetPin(s.DirPin, s.dirState)
}

func (s *Stepper) appendMove(m *Move) {
	if s.first == nil {
		s.first = m
	} else {
		s.tail.Next = m
	}
	s.tail = m
}

// QueueMove is the Go equivalent of queue_step: it folds a direction
// change into the move's flags, appends to the per-stepper queue, and (if
// the stepper was idle) loads and schedules it immediately.
func (s *Stepper) QueueMove(interval uint32, count uint16, add int16) error {
	if count == 0 {
		TryShutdown("Invalid count parameter")
		return nil
	}

	m := allocMove()
	if m == nil {
		return errors.New("stepper move pool exhausted")
	}
	m.Interval = interval
	m.Count = count
	m.Add = add
	m.Flags = 0

	state := disableInterrupts()

	flags := s.Flags
	lastDir := flags&SFLastDir != 0
	nextDir := flags&SFNextDir != 0
	if lastDir != nextDir {
		flags ^= SFLastDir
		m.Flags |= MFDir
	}
	flags &^= SFNoNextCheck
	if m.Count == 1 && (m.Flags != 0 || flags&SFLastReset != 0) {
		flags |= SFNoNextCheck
	}
	flags &^= SFLastReset
	s.Flags = flags

	switch {
	case s.Count > 0:
		s.appendMove(m)
	case flags&SFNeedReset != 0:
		freeMove(m)
	default:
		s.first = m
		s.tail = m
		s.loadNext(s.PulseTimer.WakeTime + m.Interval)
		ScheduleTimer(&s.PulseTimer)
	}

	restoreInterrupts(state)
	RecordTiming(EvtQueueStep, s.OID, GetTime(), interval, uint32(count))
	return nil
}

// loadNext is the Go equivalent of load_next: it pops s.first, applies its
// direction change (if any) to Position, and arms Interval/Add/Count for
// the pulse callback. Must be called with interrupts disabled. minNextTime
// is unused on the no-delay pulse path; it exists only so the signature
// matches the teacher's delayed variant if that's ever brought back.
func (s *Stepper) loadNext(minNextTime uint32) uint8 {
	m := s.first
	if m == nil {
		if s.Interval-uint32(int32(s.Add)) < s.MinStopInterval && s.Flags&SFNoNextCheck == 0 {
			TryShutdown("No next step")
		}
		s.Count = 0
		return SF_DONE
	}

	s.PulseTimer.WakeTime += m.Interval
	s.Add = m.Add
	s.Interval = m.Interval + uint32(m.Add)
	if m.Add != 0 {
		s.Flags |= SFHaveAdd
	} else {
		s.Flags &^= SFHaveAdd
	}
	s.Count = m.Count

	if m.Flags&MFDir != 0 {
		position := s.Position
		s.Position = -position + uint32(m.Count)
		if s.Mode == ModeRealtime {
			s.RT.DirSave = !s.RT.DirSave
		} else {
			s.toggleDir()
		}
	} else {
		s.Position += uint32(m.Count)
	}

	s.first = m.Next
	if s.first == nil {
		s.tail = nil
	}
	freeMove(m)

	RecordTiming(EvtLoadMove, s.OID, s.PulseTimer.WakeTime, uint32(s.Count), 0)
	return SF_RESCHEDULE
}

// pulseEvent is the single generic step+unstep callback for the no-delay
// pulse path: one call toggles the step pin high and toggles it low again,
// either before rescheduling (move not finished) or after loading the next
// move (move finished).
func (s *Stepper) pulseEvent(t *Timer) uint8 {
	s.toggleStep()
	atomic.AddUint64(&totalStepCount, 1)

	s.Count--
	if s.Count != 0 {
		t.WakeTime += s.Interval
		if s.Flags&SFHaveAdd != 0 {
			s.Interval += uint32(s.Add)
		}
		s.toggleStep()
		RecordTiming(EvtTimerFire, s.OID, t.WakeTime, uint32(s.Count), 0)
		return SF_RESCHEDULE
	}

	ret := s.loadNext(0)
	s.toggleStep()
	return ret
}

// SetNextDir is the Go equivalent of set_next_step_dir: it only records the
// direction for the move that gets queued next.
func (s *Stepper) SetNextDir(dir uint8) {
	state := disableInterrupts()
	if dir != 0 {
		s.Flags |= SFNextDir
	} else {
		s.Flags &^= SFNextDir
	}
	restoreInterrupts(state)
}

// ResetClock is the Go equivalent of reset_step_clock: it re-bases the
// pulse timer's wake time, refusing to do so while a move is mid-flight.
func (s *Stepper) ResetClock(clock uint32) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if s.Count > 0 {
		TryShutdown("Can't reset time when stepper active")
		return
	}
	s.PulseTimer.WakeTime = clock
	s.Flags = (s.Flags &^ SFNeedReset) | SFLastReset
	RecordTiming(EvtResetClock, s.OID, clock, 0, 0)
}

// positionLocked returns Position with any in-flight steps of the current
// move backed out, and the inverted-direction bit folded into a true sign.
// Callers must hold interrupts disabled.
func (s *Stepper) positionLocked() uint32 {
	position := s.Position - uint32(s.Count)
	if position&0x80000000 != 0 {
		return -position
	}
	return position
}

// GetPosition returns the stepper's position with PositionBias removed,
// matching the signed value reported over the wire by stepper_get_position.
func (s *Stepper) GetPosition() int32 {
	state := disableInterrupts()
	position := s.positionLocked()
	restoreInterrupts(state)
	return int32(position - PositionBias)
}

// Stop is the Go equivalent of stepper_stop: it detaches the pulse timer,
// freezes Position at its current value, arms SFNeedReset so a stray
// queue_step is silently dropped until the host resyncs, drives both pins
// to their idle levels, and frees the rest of the queue back to the pool.
func (s *Stepper) Stop() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	DelTimer(&s.PulseTimer)
	position := s.positionLocked()
	s.Position = -position
	s.Count = 0
	s.Flags = (s.Flags & SFInvertStep) | SFNeedReset

	s.dirState = false
	MustGPIO().SetPin(s.DirPin, false)
	s.stepState = s.Flags&SFInvertStep != 0
	MustGPIO().SetPin(s.StepPin, s.stepState)

	for m := s.first; m != nil; {
		next := m.Next
		freeMove(m)
		m = next
	}
	s.first = nil
	s.tail = nil
}

// ShutdownAllSteppers detaches every stepper's timers (pulse, realtime
// control/step, mode-transition) and parks every pin, for the emergency
// stop / fatal shutdown path.
func ShutdownAllSteppers() {
	for _, s := range steppers {
		if s == nil {
			continue
		}
		DelTimer(&s.RT.ControlTimer)
		DelTimer(&s.RT.StepTimer)
		DelTimer(&s.ToggleModeTimer)
		s.TogglePending = false
		s.toggleArmed = false
		s.Mode = ModeHost
		s.Stop()
	}
}
