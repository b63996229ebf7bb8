// Package serial opens serial ports and runs the line based remote control transport over them.
package serial

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// Options to be passed to Open.
type Options struct {
	BaudRate    int
	DataBits    int
	StopBits    StopBits
	Parity      Parity
	ReadTimeout time.Duration
}

// DefaultBaudRate is used when Options.BaudRate is zero.
const DefaultBaudRate = 115200

// Parity describes a serial port parity setting.
type Parity int

const (
	// NoParity disable parity control (default).
	NoParity Parity = iota
	// OddParity enable odd-parity check.
	OddParity
	// EvenParity enable even-parity check.
	EvenParity
	// MarkParity enable mark-parity (always 1) check.
	MarkParity
	// SpaceParity enable space-parity (always 0) check.
	SpaceParity
)

// StopBits describe a serial port stop bits setting.
type StopBits int

const (
	// OneStopBit sets 1 stop bit (default).
	OneStopBit StopBits = iota
	// OnePointFiveStopBits sets 1.5 stop bits.
	OnePointFiveStopBits
	// TwoStopBits sets 2 stop bits.
	TwoStopBits
)

var parities = map[Parity]serial.Parity{
	NoParity:    serial.ParityNone,
	OddParity:   serial.ParityOdd,
	EvenParity:  serial.ParityEven,
	MarkParity:  serial.ParityMark,
	SpaceParity: serial.ParitySpace,
}

var stopBits = map[StopBits]serial.StopBits{
	OneStopBit:           serial.Stop1,
	OnePointFiveStopBits: serial.Stop1Half,
	TwoStopBits:          serial.Stop2,
}

// Open attempts to open a serial device on the given path. It's a variable
// in case you need to override it during tests.
var Open = func(devicePath string, options Options) (io.ReadWriteCloser, error) {
	parity, ok := parities[options.Parity]
	if !ok {
		return nil, errors.Errorf("unknown parity %d", options.Parity)
	}
	stop, ok := stopBits[options.StopBits]
	if !ok {
		return nil, errors.Errorf("unknown stop bits %d", options.StopBits)
	}
	baud := options.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        devicePath,
		Baud:        baud,
		Size:        byte(options.DataBits),
		Parity:      parity,
		StopBits:    stop,
		ReadTimeout: options.ReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening serial port %q", devicePath)
	}
	return port, nil
}
