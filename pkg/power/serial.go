package power

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// Encoder renders the frame for one channel command
type Encoder func(channel int, on bool) []byte

// TextEncoder emits "Power<N> ON\r\n" / "Power<N> OFF\r\n"
func TextEncoder(channel int, on bool) []byte {
	state := "OFF"
	if on {
		state = "ON"
	}
	return []byte(fmt.Sprintf("Power%d %s\r\n", channel, state))
}

// LCTechEncoder emits the 4-byte A0 <ch> <state> <sum> frame used by LC relay boards
func LCTechEncoder(channel int, on bool) []byte {
	state := byte(0x00)
	if on {
		state = 0x01
	}
	ch := byte(channel)
	return []byte{0xA0, ch, state, 0xA0 + ch + state}
}

// EncoderByName maps a config value to an encoder
func EncoderByName(name string) (Encoder, error) {
	switch strings.ToLower(name) {
	case "", "text":
		return TextEncoder, nil
	case "lctech", "hex":
		return LCTechEncoder, nil
	default:
		return nil, fmt.Errorf("unknown relay protocol %q", name)
	}
}

// OpenSerialPort opens the relay bus at the given baud rate (8N1)
func OpenSerialPort(name string, baud int) (Port, error) {
	if baud <= 0 {
		baud = 9600
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
