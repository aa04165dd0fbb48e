package core

// StepperBackendInfo documents the timing envelope of the GPIO-driven
// pulse path used by Stepper. There is a single backend (direct GPIO
// toggling via GPIODriver) rather than a pluggable set of backends: the
// PIO-offloaded alternative the teacher once supported can't observe the
// irq_disable sections queue_step/load_next rely on, so it was dropped
// rather than kept behind this interface.
type StepperBackendInfo struct {
	Name          string
	MaxStepRate   uint32 // Maximum steps/second per axis
	MinPulseNs    uint32 // Minimum step pulse width (ns)
	TypicalJitter uint32 // Typical timing jitter (ns)
	CPUOverhead   uint8  // CPU overhead percentage (0-100)
}

// GPIOBackendInfo describes the direct-GPIO pulse path's characteristics.
var GPIOBackendInfo = StepperBackendInfo{
	Name:          "gpio",
	MaxStepRate:   200000,
	MinPulseNs:    1000,
	TypicalJitter: 500,
	CPUOverhead:   5,
}

// MinSafeInterval reports the smallest pulse interval, in timer ticks, the
// GPIO backend can sustain without missing a toggle. config_stepper's
// min_stop_interval is meant to be set at or above this.
func MinSafeInterval() uint32 {
	return TimerFromUS(GPIOBackendInfo.MinPulseNs / 1000)
}
