// Package serial drives the two 16550-compatible UARTs the rest of the
// kernel depends on: COM1 carries human-readable log output (wired into
// kfmt via SetOutputSink) and COM2 carries the GDB Remote Serial Protocol
// transport kernel/debug/rsp speaks. Both lines are programmed identically,
// at 115 200 8-N-1, the configuration spec.md fixes for both ports.
package serial

import (
	"jotunheim/device"
	"jotunheim/kernel"
	"jotunheim/kernel/cpu"
)

// The standard ISA COM port base I/O addresses.
const (
	COM1 uint16 = 0x3f8
	COM2 uint16 = 0x2f8
)

// Register offsets from a port's base address.
const (
	regData       = 0 // DLAB=0: receiver/transmit buffer. DLAB=1: divisor latch low.
	regIntEnable  = 1 // DLAB=0: interrupt enable. DLAB=1: divisor latch high.
	regFIFOCtrl   = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5
)

const (
	lcrDLAB          = 1 << 7
	lcr8N1           = 0x03
	fcrEnableClear14 = 0xc7
	mcrDTRRTSOut2    = 0x0b

	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5

	// baseClock is the 16550's input clock; dividing it by the desired
	// baud rate gives the divisor latch value.
	baseClock = 115200
	baudRate  = 115200
)

var (
	outPort8Fn = cpu.WritePort8
	inPort8Fn  = cpu.ReadPort8
)

// Port is one programmed 16550 UART line.
type Port struct {
	base uint16
	name string
}

// NewPort returns a Port for the given I/O base address. Init must be
// called before first use.
func NewPort(base uint16, name string) *Port {
	return &Port{base: base, name: name}
}

// Init programs the line for 115200 8-N-1 with the FIFO enabled: disables
// the UART's own interrupt sources (this kernel polls, it has no use for
// UART-generated IRQs), sets the baud divisor, restores 8-N-1 framing, and
// raises DTR/RTS/OUT2.
func (p *Port) Init() *kernel.Error {
	divisor := uint16(baseClock / baudRate)

	outPort8Fn(p.base+regIntEnable, 0x00)
	outPort8Fn(p.base+regLineCtrl, lcrDLAB)
	outPort8Fn(p.base+regData, uint8(divisor&0xff))
	outPort8Fn(p.base+regIntEnable, uint8(divisor>>8))
	outPort8Fn(p.base+regLineCtrl, lcr8N1)
	outPort8Fn(p.base+regFIFOCtrl, fcrEnableClear14)
	outPort8Fn(p.base+regModemCtrl, mcrDTRRTSOut2)

	return nil
}

// Write implements io.Writer, polling the line status register's
// transmit-holding-register-empty bit before each byte.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		for inPort8Fn(p.base+regLineStatus)&lsrTHREmpty == 0 {
		}
		outPort8Fn(p.base+regData, b)
	}
	return len(data), nil
}

// ReadByte returns the next received byte and true, or (0, false) if none
// is waiting, without blocking. ReadByteBlocking polls it.
func (p *Port) ReadByte() (byte, bool) {
	if inPort8Fn(p.base+regLineStatus)&lsrDataReady == 0 {
		return 0, false
	}
	return inPort8Fn(p.base + regData), true
}

// ReadByteBlocking spins until a byte is available, for the RSP command
// loop's synchronous packet reads.
func (p *Port) ReadByteBlocking() byte {
	for {
		if b, ok := p.ReadByte(); ok {
			return b
		}
	}
}

// DriverName returns this port's human-readable name, distinguishing the
// two registered instances in logs.
func (p *Port) DriverName() string {
	return p.name
}

// DriverVersion returns this driver's version.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit satisfies device.Driver by delegating to Init.
func (p *Port) DriverInit() *kernel.Error {
	return p.Init()
}

// COM1Port and COM2Port are the two standard lines this kernel uses,
// constructed once and registered with device's detection registry so
// kernel/kmain can probe and initialize them the same way as any other
// driver.
var (
	COM1Port = NewPort(COM1, "serial_com1")
	COM2Port = NewPort(COM2, "serial_com2")
)

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: func() device.Driver { return COM1Port },
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: func() device.Driver { return COM2Port },
	})
}
