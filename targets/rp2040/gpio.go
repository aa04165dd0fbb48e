//go:build rp2040

package main

import (
	"errors"

	"gopper/core"
	"machine"
)

// RPGPIODriver implements core.GPIODriver using TinyGo's machine.Pin for
// the RP2040.
type RPGPIODriver struct {
	configuredPins map[core.GPIOPin]machine.Pin
}

// NewRPGPIODriver constructs the driver.
func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{
		configuredPins: make(map[core.GPIOPin]machine.Pin),
	}
}

func (d *RPGPIODriver) pinNumberToMachinePin(pin core.GPIOPin) machine.Pin {
	return machine.Pin(pin)
}

// ConfigureOutput configures a pin as a digital output.
func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	mp := d.pinNumberToMachinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinOutput})
	d.configuredPins[pin] = mp
	return nil
}

// ConfigureInputPullUp configures a pin as a digital input with a pull-up.
func (d *RPGPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	mp := d.pinNumberToMachinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	d.configuredPins[pin] = mp
	return nil
}

// ConfigureInputPullDown configures a pin as a digital input with a pull-down.
func (d *RPGPIODriver) ConfigureInputPullDown(pin core.GPIOPin) error {
	mp := d.pinNumberToMachinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	d.configuredPins[pin] = mp
	return nil
}

// SetPin sets the pin to high (true) or low (false).
func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	mp, ok := d.configuredPins[pin]
	if !ok {
		return errors.New("pin not configured")
	}
	mp.Set(value)
	return nil
}

// GetPin reads the current pin state.
func (d *RPGPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	mp, ok := d.configuredPins[pin]
	if !ok {
		return false, errors.New("pin not configured")
	}
	return mp.Get(), nil
}

// ReadPin reads the current pin state (alias for GetPin for convenience).
func (d *RPGPIODriver) ReadPin(pin core.GPIOPin) bool {
	v, _ := d.GetPin(pin)
	return v
}
