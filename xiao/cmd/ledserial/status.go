package main

import (
	"machine"

	"tinygo.org/x/drivers/ws2812"
)

// The XIAO RP2040 has an onboard NeoPixel on GPIO12, powered through GPIO11.
// https://wiki.seeedstudio.com/XIAO-RP2040-with-Arduino/
var (
	statusLED      ws2812.Device
	statusLEDPower = machine.GPIO11
	statusLEDData  = machine.GPIO12
)

func initStatusLED() {
	statusLEDPower.Configure(machine.PinConfig{Mode: machine.PinOutput})
	statusLEDPower.Low()

	statusLEDData.Configure(machine.PinConfig{Mode: machine.PinOutput})
	statusLED = ws2812.New(statusLEDData)
}

// setStatus lights the onboard LED dim green while a channel is acquired.
func setStatus(acquired bool) {
	if !acquired {
		statusLEDPower.Low()
		return
	}

	statusLEDPower.High()
	// GRB
	statusLED.WriteByte(16)
	statusLED.WriteByte(0)
	statusLED.WriteByte(0)
}

func main() {
	initStatusLED()
	NewDevice(machine.Serial).Run()
}
