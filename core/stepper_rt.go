package core

// Realtime position servo: once a stepper is switched into realtime mode,
// its pulses come from a closed-loop controller reading an ADS1015 analog
// error signal instead of the host-fed move queue.

import (
	"math"
	"sync/atomic"

	"gopper/protocol"
)

// RTState holds everything the realtime controller needs for one stepper.
// low_pass is deliberately per-stepper here rather than the single global
// the algorithm keeps in file scope elsewhere: with more than one stepper
// ever switched into realtime mode at once, a shared accumulator would mix
// two unrelated error signals into one filter.
type RTState struct {
	ControlTimer Timer
	StepTimer    Timer

	ControlFreq  uint16
	InputCycle   uint16
	InputFactor  int32
	ControlPeriod uint32
	MaxFreq      uint32
	MaxAcc       uint32
	MaxDeltaFreq int32
	MinFreq      uint32

	CurrentDir bool // direction bit actually driving the dir pin
	DirSave    bool // direction bit load_next toggles while in realtime mode

	CurrentSpeed  int32
	TargetSpeed   int32
	CurrentPeriod uint32
	FreqLimiter   int32
	Slowdown      bool

	Count         int32
	MinPos, MaxPos int32
	CycleCount    uint16
	LastStep      uint32

	LowPass int32

	SlowdownPending bool
	SlowdownClock   uint32

	I2CBus  I2CBusID
	I2CAddr I2CAddress
}

func clampAbs(x, limit int32) int32 {
	if x > limit {
		return limit
	}
	if x < -limit {
		return -limit
	}
	return x
}

func absI32(x int32) int32 {
	if x < 0 {
		return -x
	}
	return x
}

func maxI32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

func minI32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// ConfigRTMode is the Go equivalent of config_stepper_rt_mode: it sets up
// the control-loop parameters and configures the ADS1015 error sensor over
// I2C.
func (s *Stepper) ConfigRTMode(controlFreq, inputCycle uint16, inputFactor int32, maxFreq, maxAcc uint32) error {
	s.RT.ControlFreq = controlFreq
	s.RT.InputCycle = inputCycle
	s.RT.InputFactor = inputFactor
	s.RT.MaxFreq = maxFreq
	s.RT.MaxAcc = maxAcc
	s.RT.ControlPeriod = TimerFreq / uint32(controlFreq)
	s.RT.MaxDeltaFreq = int32(maxAcc / uint32(controlFreq))
	if s.RT.MaxDeltaFreq < 100 {
		s.RT.MinFreq = uint32(s.RT.MaxDeltaFreq)
	} else {
		s.RT.MinFreq = 100
	}
	s.RT.SlowdownPending = false

	s.RT.I2CBus = 0
	s.RT.I2CAddr = 0x48

	i2c := MustI2C()
	if err := i2c.ConfigureBus(s.RT.I2CBus, 400000); err != nil {
		return err
	}
	return i2c.Write(s.RT.I2CBus, s.RT.I2CAddr, []byte{0x01, 0x42, 0x63})
}

// readSensorError reads the ADS1015's conversion register and folds it
// through a single-pole low-pass filter, returning the filtered error.
func (s *Stepper) readSensorError() int32 {
	data, err := MustI2C().Read(s.RT.I2CBus, s.RT.I2CAddr, []byte{0x00}, 2)
	if err != nil || len(data) < 2 {
		return s.RT.LowPass
	}
	raw := (int32(data[0])<<8 | int32(data[1])) >> 4
	val := raw - 1024
	s.RT.LowPass = (s.RT.LowPass + val) / 2
	return s.RT.LowPass
}

// rtControlRun is the Go equivalent of rt_control_run: the periodic
// position servo that turns the filtered sensor error into a target
// speed, clamps it against the soft position limits and the slowdown
// envelope, and steers CurrentSpeed/CurrentPeriod/direction toward it.
func (s *Stepper) rtControlRun() {
	if s.RT.CycleCount == 0 {
		errVal := s.readSensorError()
		DebugAsync("stepper_rt_log pos=" + itoa(int(s.RT.Count)) + " error=" + itoa(int(errVal)))
		SendResponse("stepper_rt_log", func(output protocol.OutputBuffer) {
			protocol.EncodeVLQInt(output, s.RT.Count)
			protocol.EncodeVLQInt(output, errVal)
		})
		s.RT.TargetSpeed = clampAbs(errVal*s.RT.InputFactor, int32(s.RT.MaxFreq))
	}

	distToMin := maxI32(0, s.RT.Count-(s.RT.MinPos+1))
	distToMax := maxI32(0, (s.RT.MaxPos-1)-s.RT.Count)
	stepsToStop := uint32(math.Pow(float64(s.RT.MaxFreq), 2)/(2*float64(s.RT.MaxAcc))) +
		2*s.RT.MaxFreq/uint32(s.RT.ControlFreq)

	if uint32(distToMin) <= stepsToStop {
		limit := int32(math.Sqrt(float64(s.RT.MaxAcc) * float64(distToMin)))
		s.RT.TargetSpeed = maxI32(s.RT.TargetSpeed, -limit)
	}
	if uint32(distToMax) <= stepsToStop {
		limit := int32(math.Sqrt(float64(s.RT.MaxAcc) * float64(distToMax)))
		s.RT.TargetSpeed = minI32(s.RT.TargetSpeed, limit)
	}

	if s.RT.Slowdown {
		if s.RT.FreqLimiter < s.RT.MaxDeltaFreq {
			DelTimer(&s.RT.StepTimer)
			DelTimer(&s.RT.ControlTimer)
			if s.RT.CurrentDir != s.RT.DirSave {
				s.toggleDir()
			}
			if s.Position&0x80000000 != 0 {
				s.Position = uint32(-(s.RT.Count + int32(PositionBias))) | 0x80000000
			} else {
				s.Position = uint32(s.RT.Count + int32(PositionBias))
			}
			s.Mode = ModeHost
			RecordTiming(EvtSlowdownDone, s.OID, GetTime(), 0, 0)
			return
		}
		s.RT.FreqLimiter -= s.RT.MaxDeltaFreq
		s.RT.TargetSpeed = clampAbs(s.RT.TargetSpeed, s.RT.FreqLimiter)
	}

	delta := s.RT.TargetSpeed - s.RT.CurrentSpeed
	s.RT.CurrentSpeed += clampAbs(delta, s.RT.MaxDeltaFreq)

	if absI32(s.RT.CurrentSpeed) < int32(s.RT.MinFreq) {
		s.RT.CurrentSpeed = 0
	}

	wantDir := s.RT.CurrentSpeed < 0

	if absI32(s.RT.CurrentSpeed) > 0 {
		s.RT.CurrentPeriod = TimerFreq / uint32(absI32(s.RT.CurrentSpeed))
	} else {
		s.RT.CurrentPeriod = 0
	}

	state := disableInterrupts()
	if wantDir != s.RT.CurrentDir {
		s.toggleDir()
		s.RT.CurrentDir = !s.RT.CurrentDir
	}
	restoreInterrupts(state)

	s.RT.CycleCount = (s.RT.CycleCount + 1) % s.RT.InputCycle
}

// rtControlEvent is the realtime control timer's callback: it fires at
// ControlPeriod and wakes RTControlTask to run the servo in task context.
func (s *Stepper) rtControlEvent(t *Timer) uint8 {
	t.WakeTime += s.RT.ControlPeriod
	wakeRTControlTask()
	return SF_RESCHEDULE
}

// rtStepEvent is the realtime step timer's callback: it emits one step
// edge per period in whatever direction CurrentDir currently says, or idles
// at ControlPeriod cadence when CurrentPeriod is zero (commanded speed 0).
func (s *Stepper) rtStepEvent(t *Timer) uint8 {
	if s.RT.CurrentPeriod == 0 {
		t.WakeTime += s.RT.ControlPeriod
		return SF_RESCHEDULE
	}

	s.toggleStep()
	s.RT.LastStep = t.WakeTime
	t.WakeTime += s.RT.CurrentPeriod
	if s.RT.CurrentDir {
		s.RT.Count--
	} else {
		s.RT.Count++
	}
	s.toggleStep()
	atomic.AddUint64(&totalStepCount, 1)
	return SF_RESCHEDULE
}

var rtControlWake bool

func wakeRTControlTask() {
	rtControlWake = true
}

// RTControlTask drains the realtime-control wake flag and runs the servo
// for every stepper currently in realtime mode. Call it once per main loop
// iteration alongside ProcessTimers.
func RTControlTask() {
	if !rtControlWake {
		return
	}
	rtControlWake = false
	for _, s := range steppers {
		if s != nil && s.Mode == ModeRealtime {
			s.rtControlRun()
		}
	}
}
