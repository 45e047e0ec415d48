package rsp

import "jotunheim/kernel/serial"

// Transport is the capability the RSP command loop needs from whatever
// carries its packets: blocking byte reads and byte writes. Modeled as an
// interface rather than a concrete type so tests can substitute an
// in-memory transport, matching the original implementation's Transport
// trait.
type Transport interface {
	GetcBlock() byte
	Putc(b byte)
}

// Com2Transport speaks RSP over kernel/serial's COM2 port, leaving COM1
// free for human log output.
type Com2Transport struct{}

func (Com2Transport) GetcBlock() byte {
	return serial.COM2Port.ReadByteBlocking()
}

func (Com2Transport) Putc(b byte) {
	serial.COM2Port.Write([]byte{b})
}
