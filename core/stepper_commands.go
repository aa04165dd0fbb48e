package core

import (
	"errors"

	"gopper/protocol"
)

// Stepper command handlers for the host<->MCU wire protocol.
// Implements: config_stepper, config_stepper_rt_mode, queue_step,
// set_next_step_dir, reset_step_clock, stepper_get_position,
// set_realtime_mode, set_host_mode.

// RegisterStepperCommands registers all stepper-related commands and
// responses.
func RegisterStepperCommands() {
	RegisterCommand("config_stepper",
		"oid=%c step_pin=%c dir_pin=%c min_stop_interval=%u invert_step=%c",
		cmdConfigStepper)

	RegisterCommand("config_stepper_rt_mode",
		"oid=%c control_freq=%hu input_cycle=%hu input_factor=%i max_freq=%u max_acc=%u",
		cmdConfigStepperRTMode)

	RegisterCommand("queue_step",
		"oid=%c interval=%u count=%hu add=%hi",
		cmdQueueStep)

	RegisterCommand("set_next_step_dir",
		"oid=%c dir=%c",
		cmdSetNextStepDir)

	RegisterCommand("reset_step_clock",
		"oid=%c clock=%u",
		cmdResetStepClock)

	RegisterCommand("stepper_get_position",
		"oid=%c",
		cmdStepperGetPosition)

	RegisterCommand("set_realtime_mode",
		"oid=%c clock=%u min_pos=%i max_pos=%i",
		cmdSetRealtimeMode)

	RegisterCommand("set_host_mode",
		"oid=%c clock=%u",
		cmdSetHostMode)

	// Responses (MCU -> Host)
	RegisterResponse("stepper_position", "oid=%c pos=%i")
	RegisterResponse("stepper_rt_log", "pos=%i error=%i")
}

func cmdConfigStepper(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	stepPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dirPin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	minStopInterval, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	invertStep, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	_, err = NewStepper(uint8(oid), uint8(stepPin), uint8(dirPin), invertStep != 0, minStopInterval)
	return err
}

func cmdConfigStepperRTMode(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	controlFreq, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	inputCycle, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	inputFactor, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	maxFreq, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	maxAcc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	return stepper.ConfigRTMode(uint16(controlFreq), uint16(inputCycle), inputFactor, maxFreq, maxAcc)
}

func cmdQueueStep(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	interval, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	add, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	return stepper.QueueMove(interval, uint16(count), int16(add))
}

func cmdSetNextStepDir(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dir, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	stepper.SetNextDir(uint8(dir))
	return nil
}

func cmdResetStepClock(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	stepper.ResetClock(clock)
	return nil
}

func cmdStepperGetPosition(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	position := stepper.GetPosition()

	SendResponse("stepper_position", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQInt(output, position)
	})

	return nil
}

func cmdSetRealtimeMode(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	minPos, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}
	maxPos, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	stepper.SetRealtimeMode(clock, minPos, maxPos)
	return nil
}

func cmdSetHostMode(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepper := GetStepper(uint8(oid))
	if stepper == nil {
		return errors.New("stepper not found")
	}

	stepper.SetHostMode(clock)
	return nil
}
