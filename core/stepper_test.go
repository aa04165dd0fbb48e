package core

import (
	"testing"
)

// fakeGPIO is a minimal in-memory GPIODriver for stepper tests: it tracks
// pin levels and counts transitions so tests can assert on pulse/dir
// activity without real hardware.
type fakeGPIO struct {
	state   map[GPIOPin]bool
	toggles map[GPIOPin]int
	onRise  func(pin GPIOPin) // called on a false->true transition, for edge-timing tests
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{state: map[GPIOPin]bool{}, toggles: map[GPIOPin]int{}}
}

func (f *fakeGPIO) ConfigureOutput(pin GPIOPin) error        { return nil }
func (f *fakeGPIO) ConfigureInputPullUp(pin GPIOPin) error   { return nil }
func (f *fakeGPIO) ConfigureInputPullDown(pin GPIOPin) error { return nil }
func (f *fakeGPIO) SetPin(pin GPIOPin, value bool) error {
	rising := value && !f.state[pin]
	if f.state[pin] != value {
		f.toggles[pin]++
	}
	f.state[pin] = value
	if rising && f.onRise != nil {
		f.onRise(pin)
	}
	return nil
}
func (f *fakeGPIO) GetPin(pin GPIOPin) (bool, error) { return f.state[pin], nil }
func (f *fakeGPIO) ReadPin(pin GPIOPin) bool         { v, _ := f.GetPin(pin); return v }

// fakeI2C is a minimal in-memory I2CDriver for the realtime controller's
// ADS1015 reads/writes.
type fakeI2C struct {
	readData []byte
	writes   [][]byte
}

func (f *fakeI2C) ConfigureBus(bus I2CBusID, frequencyHz uint32) error { return nil }
func (f *fakeI2C) Write(bus I2CBusID, addr I2CAddress, data []byte) error {
	cp := append([]byte{}, data...)
	f.writes = append(f.writes, cp)
	return nil
}
func (f *fakeI2C) Read(bus I2CBusID, addr I2CAddress, regData []byte, readLen uint8) ([]byte, error) {
	return f.readData, nil
}
func (f *fakeI2C) GetMachineBus(bus I2CBusID) (interface{}, error) { return nil, nil }

// resetStepperTestState clears every package-level global the stepper
// code touches, so tests don't leak state into one another.
func resetStepperTestState() {
	for i := range steppers {
		steppers[i] = nil
	}
	movePoolInit = false
	moveFreeTop = 0
	timerList = nil
	totalStepCount = 0
	rtControlWake = false
	toggleModeWake = false
	ResetFirmwareState()
	SetTime(0)
}

// advanceUntilIdle repeatedly jumps the virtual clock to the earliest
// scheduled timer and dispatches it, standing in for real hardware timer
// interrupts firing one after another.
func advanceUntilIdle(limit int) {
	for i := 0; i < limit && timerList != nil; i++ {
		SetTime(timerList.WakeTime)
		ProcessTimers()
	}
}

func TestMinSafeIntervalMatchesGPIOBackend(t *testing.T) {
	want := TimerFromUS(GPIOBackendInfo.MinPulseNs / 1000)
	if got := MinSafeInterval(); got != want {
		t.Fatalf("MinSafeInterval() = %d, want %d", got, want)
	}
}

func TestQueueMoveForwardStepping(t *testing.T) {
	resetStepperTestState()
	gpio := newFakeGPIO()
	SetGPIODriver(gpio)

	s, err := NewStepper(0, 10, 11, false, 0)
	if err != nil {
		t.Fatalf("NewStepper: %v", err)
	}

	// Klipper's own convention: the stepper's idle dir level is "negative",
	// so the host must request a direction before its first move for
	// position math to come out positive.
	s.SetNextDir(1)
	if err := s.QueueMove(1000, 5, 0); err != nil {
		t.Fatalf("QueueMove: %v", err)
	}

	advanceUntilIdle(20)

	if s.Count != 0 {
		t.Fatalf("expected move to finish, count=%d", s.Count)
	}
	if got := s.GetPosition(); got != 5 {
		t.Fatalf("GetPosition() = %d, want 5", got)
	}
	if got := gpio.toggles[s.StepPin]; got != 10 {
		t.Fatalf("step pin toggled %d times, want 10 (5 pulses)", got)
	}
	if got := gpio.toggles[s.DirPin]; got != 1 {
		t.Fatalf("dir pin toggled %d times, want 1", got)
	}
	if GetTotalStepCount() != 5 {
		t.Fatalf("GetTotalStepCount() = %d, want 5", GetTotalStepCount())
	}
}

func TestDirectionChangeFoldsPosition(t *testing.T) {
	resetStepperTestState()
	gpio := newFakeGPIO()
	SetGPIODriver(gpio)

	s, _ := NewStepper(0, 10, 11, false, 0)
	s.SetNextDir(1)
	_ = s.QueueMove(1000, 5, 0)
	advanceUntilIdle(20)
	if got := s.GetPosition(); got != 5 {
		t.Fatalf("GetPosition() after forward move = %d, want 5", got)
	}

	// Reverse direction and take 2 steps back.
	s.SetNextDir(0)
	_ = s.QueueMove(1000, 2, 0)
	advanceUntilIdle(20)
	if got := s.GetPosition(); got != 3 {
		t.Fatalf("GetPosition() after reversing 2 steps = %d, want 3", got)
	}
}

func TestQueueStepAccelerationRamp(t *testing.T) {
	resetStepperTestState()
	gpio := newFakeGPIO()
	SetGPIODriver(gpio)

	s, _ := NewStepper(0, 10, 11, false, 0)
	s.SetNextDir(1)
	if err := s.QueueMove(1000, 4, 50); err != nil {
		t.Fatalf("QueueMove: %v", err)
	}

	advanceUntilIdle(20)
	if s.Count != 0 {
		t.Fatalf("expected move to finish, count=%d", s.Count)
	}
	if got := s.GetPosition(); got != 4 {
		t.Fatalf("GetPosition() = %d, want 4", got)
	}
}

func TestQueueStepZeroCountIsFatal(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())

	s, _ := NewStepper(0, 10, 11, false, 0)
	if err := s.QueueMove(1000, 0, 0); err != nil {
		t.Fatalf("QueueMove with count=0 should not itself error: %v", err)
	}
	if !IsShutdown() {
		t.Fatal("queue_step with count=0 should trigger a fatal shutdown")
	}
}

func TestLoadNextShutsDownOnUnsafeTailSpeed(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())

	// A lone single-step move with no queued follow-up and a
	// min_stop_interval higher than the move's own interval can't safely
	// stop there; the firmware refuses to risk it. No direction change and
	// no reset_step_clock precede it, since either of those would mark a
	// single-step move SFNoNextCheck and skip the tail-speed check.
	s, _ := NewStepper(0, 10, 11, false, 2000)
	_ = s.QueueMove(1000, 1, 0)

	advanceUntilIdle(20)

	if !IsShutdown() {
		t.Fatal("expected shutdown on unsafe tail-speed single-step move")
	}
}

func TestResetStepClockRejectedWhileActive(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())

	s, _ := NewStepper(0, 10, 11, false, 0)
	s.SetNextDir(1)
	_ = s.QueueMove(1000, 50, 0)

	s.ResetClock(12345)
	if !IsShutdown() {
		t.Fatal("reset_step_clock while stepper active should be fatal")
	}
}

func TestStopParksPinsAndDrainsQueue(t *testing.T) {
	resetStepperTestState()
	gpio := newFakeGPIO()
	SetGPIODriver(gpio)

	s, _ := NewStepper(0, 10, 11, true, 0)
	s.SetNextDir(1)
	_ = s.QueueMove(1000, 5, 0)
	_ = s.QueueMove(1000, 5, 0)
	_ = s.QueueMove(1000, 5, 0)

	before := movePoolAvailable()
	s.Stop()

	if s.Count != 0 || s.first != nil {
		t.Fatal("Stop did not fully drain the queue")
	}
	if movePoolAvailable() <= before {
		t.Fatal("Stop did not return queued moves to the pool")
	}
	if v, _ := gpio.GetPin(s.DirPin); v != false {
		t.Fatal("dir pin should be parked low after Stop")
	}
	if v, _ := gpio.GetPin(s.StepPin); v != true { // invert_step=true idle level
		t.Fatal("step pin should be parked at its inverted idle level after Stop")
	}

	// A stray queue_step after Stop is silently dropped until reset_step_clock:
	// it allocates a Move and immediately frees it again, so pool availability
	// is unchanged.
	before = movePoolAvailable()
	_ = s.QueueMove(1000, 3, 0)
	if movePoolAvailable() != before {
		t.Fatal("dropped queue_step under SFNeedReset should net zero pool usage")
	}
	if IsShutdown() {
		t.Fatal("a dropped queue_step after Stop should not itself be fatal")
	}
}

func TestMovePoolExhaustionReturnsError(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())

	s, _ := NewStepper(0, 10, 11, false, 0)
	s.SetNextDir(1)

	// Drain the pool without ever letting the stepper run (queue everything
	// behind one already-active move).
	if err := s.QueueMove(1<<30, 65535, 0); err != nil {
		t.Fatalf("first QueueMove: %v", err)
	}
	var lastErr error
	for i := 0; i < movePoolCapacity+1; i++ {
		lastErr = s.QueueMove(1<<30, 65535, 0)
	}
	if lastErr == nil {
		t.Fatal("expected move pool exhaustion error")
	}
	if IsShutdown() {
		t.Fatal("pool exhaustion is reported as an error, not a fatal shutdown")
	}
}

func TestConfigRTModeConfiguresSensor(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	i2c := &fakeI2C{readData: []byte{0x40, 0x00}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	if err := s.ConfigRTMode(100, 1, 1, 1000, 100000); err != nil {
		t.Fatalf("ConfigRTMode: %v", err)
	}

	if len(i2c.writes) != 1 {
		t.Fatalf("expected one I2C config write, got %d", len(i2c.writes))
	}
	want := []byte{0x01, 0x42, 0x63}
	got := i2c.writes[0]
	if len(got) != len(want) {
		t.Fatalf("config write = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("config write = %v, want %v", got, want)
		}
	}
	if s.RT.ControlPeriod != TimerFreq/100 {
		t.Fatalf("ControlPeriod = %d, want %d", s.RT.ControlPeriod, TimerFreq/100)
	}
}

func TestRealtimeSlowdownReturnsToHostMode(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	i2c := &fakeI2C{readData: []byte{0x40, 0x00}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	if err := s.ConfigRTMode(100, 1, 1, 1000, 100000); err != nil {
		t.Fatalf("ConfigRTMode: %v", err)
	}
	s.RT.MinPos = -100000
	s.RT.MaxPos = 100000

	s.hostToRealtimeMode()
	if s.Mode != ModeRealtime {
		t.Fatal("hostToRealtimeMode did not switch to realtime mode")
	}

	// Not yet close enough to finish: FreqLimiter still above MaxDeltaFreq.
	s.RT.Slowdown = true
	s.RT.FreqLimiter = s.RT.MaxDeltaFreq * 3
	s.rtControlRun()
	if s.Mode != ModeRealtime {
		t.Fatal("rtControlRun finished slowdown too early")
	}
	if s.RT.FreqLimiter != s.RT.MaxDeltaFreq*2 {
		t.Fatalf("FreqLimiter = %d, want %d", s.RT.FreqLimiter, s.RT.MaxDeltaFreq*2)
	}

	// Now close enough: the next run completes the transition back to host mode.
	s.RT.FreqLimiter = s.RT.MaxDeltaFreq - 1
	s.rtControlRun()
	if s.Mode != ModeHost {
		t.Fatal("rtControlRun should have returned to host mode")
	}
}

func TestSetRealtimeModeTwiceIsFatal(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	i2c := &fakeI2C{readData: []byte{0x40, 0x00}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	_ = s.ConfigRTMode(100, 1, 1, 1000, 100000)

	s.SetRealtimeMode(GetTime()+1_000_000, -1000, 1000)
	if IsShutdown() {
		t.Fatal("first SetRealtimeMode call should not shut down")
	}
	s.SetRealtimeMode(GetTime()+1_000_000, -1000, 1000)
	if !IsShutdown() {
		t.Fatal("arming set_realtime_mode twice before it fires should be fatal")
	}
}

func TestToggleModeTaskDispatchesHostToRealtime(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	i2c := &fakeI2C{readData: []byte{0x40, 0x00}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	_ = s.ConfigRTMode(100, 1, 1, 1000, 100000)
	s.RT.MinPos, s.RT.MaxPos = -1000, 1000

	s.SetRealtimeMode(GetTime(), -1000, 1000)

	// Simulate the armed timer firing.
	s.toggleModeEvent(&s.ToggleModeTimer)
	ToggleModeTask()

	if s.Mode != ModeRealtime {
		t.Fatal("ToggleModeTask did not switch the stepper into realtime mode")
	}
}

// TestResetClockThenQueueStepEdgeTiming drives reset_step_clock(1_000_000)
// followed by queue_step(200, 5, 10) and checks the resulting step edges
// land exactly on the worked example: 1_000_200, 1_000_410, 1_000_630,
// 1_000_860, 1_001_100.
func TestResetClockThenQueueStepEdgeTiming(t *testing.T) {
	resetStepperTestState()
	gpio := newFakeGPIO()
	SetGPIODriver(gpio)

	s, _ := NewStepper(0, 10, 11, false, 0)

	var edges []uint32
	gpio.onRise = func(pin GPIOPin) {
		if pin == s.StepPin {
			edges = append(edges, GetTime())
		}
	}

	s.ResetClock(1_000_000)
	if err := s.QueueMove(200, 5, 10); err != nil {
		t.Fatalf("QueueMove: %v", err)
	}

	advanceUntilIdle(20)

	want := []uint32{1_000_200, 1_000_410, 1_000_630, 1_000_860, 1_001_100}
	if len(edges) != len(want) {
		t.Fatalf("got %d step edges %v, want %v", len(edges), edges, want)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Fatalf("edge %d = %d, want %d (full: %v)", i, edges[i], want[i], edges)
		}
	}
}

// TestRealtimeAccelerationInvariant drives rtControlRun with a constant
// saturating sensor input and checks that CurrentSpeed never changes by more
// than MaxDeltaFreq between ticks, and never exceeds MaxFreq in magnitude.
func TestRealtimeAccelerationInvariant(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	// Saturating positive error: raw = 0xFFF -> val = 4095-1024 = 3071.
	i2c := &fakeI2C{readData: []byte{0xFF, 0xF0}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	if err := s.ConfigRTMode(100, 1, 1000, 2000, 50000); err != nil {
		t.Fatalf("ConfigRTMode: %v", err)
	}
	// Wide enough that the soft position limit never engages; this test is
	// only about the acceleration clamp.
	s.RT.MinPos, s.RT.MaxPos = -1_000_000, 1_000_000

	s.hostToRealtimeMode()

	prevSpeed := s.RT.CurrentSpeed
	for i := 0; i < 30; i++ {
		s.rtControlRun()
		delta := s.RT.CurrentSpeed - prevSpeed
		if delta > s.RT.MaxDeltaFreq || delta < -s.RT.MaxDeltaFreq {
			t.Fatalf("tick %d: |delta speed| = %d exceeds max_delta_freq %d", i, delta, s.RT.MaxDeltaFreq)
		}
		if s.RT.CurrentSpeed > int32(s.RT.MaxFreq) || s.RT.CurrentSpeed < -int32(s.RT.MaxFreq) {
			t.Fatalf("tick %d: |current_speed| = %d exceeds max_freq %d", i, s.RT.CurrentSpeed, s.RT.MaxFreq)
		}
		prevSpeed = s.RT.CurrentSpeed
	}
	if prevSpeed != int32(s.RT.MaxFreq) {
		t.Fatalf("saturating input should have driven current_speed to max_freq, got %d", prevSpeed)
	}
}

// TestSoftPositionLimitKeepsCountInRange is the P5 scenario: with
// min_pos=0, max_pos=100, max_freq=1000, max_acc=5000 and a constant
// positive saturating input, the soft-limit sqrt-clamp must keep count from
// running away past max_pos by more than a step of rounding slack.
func TestSoftPositionLimitKeepsCountInRange(t *testing.T) {
	resetStepperTestState()
	SetGPIODriver(newFakeGPIO())
	i2c := &fakeI2C{readData: []byte{0xFF, 0xF0}}
	SetI2CDriver(i2c)

	s, _ := NewStepper(0, 10, 11, false, 0)
	// A control frequency on the same order as max_freq keeps the control
	// loop's update cadence commensurate with the step rate near the limit,
	// so the deceleration clamp can actually bite before more than a
	// rounding step of overshoot accumulates.
	if err := s.ConfigRTMode(1000, 1, 1000, 1000, 5000); err != nil {
		t.Fatalf("ConfigRTMode: %v", err)
	}
	s.RT.MinPos, s.RT.MaxPos = 0, 100

	s.hostToRealtimeMode()

	var maxCount int32
	for i := 0; i < 6000 && timerList != nil; i++ {
		SetTime(timerList.WakeTime)
		ProcessTimers()
		RTControlTask()
		if s.RT.Count > maxCount {
			maxCount = s.RT.Count
		}
		if s.RT.Count > 101 {
			t.Fatalf("tick %d: count=%d exceeded max_pos(100) by more than rounding slack", i, s.RT.Count)
		}
	}

	if maxCount < 50 {
		t.Fatalf("stepper never approached the soft limit; count only reached %d", maxCount)
	}
}
