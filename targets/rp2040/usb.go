//go:build rp2040

package main

import "machine"

// InitUSB configures the RP2040's USB CDC serial port.
func InitUSB() {
	machine.Serial.Configure(machine.UARTConfig{})
}

// USBAvailable returns the number of bytes buffered for reading.
func USBAvailable() int {
	return machine.Serial.Buffered()
}

// USBRead reads a single byte from the USB serial port.
func USBRead() (byte, error) {
	return machine.Serial.ReadByte()
}

// USBWrite writes a single byte to the USB serial port.
func USBWrite(b byte) error {
	_, err := machine.Serial.Write([]byte{b})
	return err
}

// USBWriteBytes writes a slice of bytes to the USB serial port.
func USBWriteBytes(data []byte) (int, error) {
	return machine.Serial.Write(data)
}

// USBConnected reports whether the USB serial port is usable. The RP2040
// CDC stack doesn't expose a reliable connection signal, so this is a
// fixed heuristic rather than a live check.
func USBConnected() bool {
	return true
}
