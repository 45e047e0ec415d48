package rsp

import "jotunheim/kernel/irq"

// X86_64Core hex-encodes and decodes the "g"/"G" register block GDB's
// x86_64 target description expects: 16 GPRs, RIP, EFLAGS, six 32-bit
// segment selectors (only CS/SS are tracked; DS/ES/FS/GS report zero),
// eight zeroed 80-bit x87 stack slots, six zeroed x87 control fields, and
// two zeroed 64-bit FS/GS base fields. Grounded on the original
// implementation's debug/rsp/arch_x86_64.rs write_g/read_g.
type X86_64Core struct{}

// GHexLen is the exact length, in hex characters, of a "g" reply / "G"
// payload this core produces and accepts. WriteG and ReadG are kept
// symmetric (every field WriteG emits, ReadG consumes in the same order)
// so a g-then-G round trip is well defined, which the original
// implementation's asymmetric read_g (it silently ignored the x87/control
// fields it had itself just sent) did not guarantee.
const GHexLen = 2 * (17*8 + 7*4 + 8*10 + 6*2 + 2*4 + 2*8)

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + (n - 10)
}

func fromHexDigit(h byte) (byte, bool) {
	switch {
	case h >= '0' && h <= '9':
		return h - '0', true
	case h >= 'a' && h <= 'f':
		return 10 + h - 'a', true
	case h >= 'A' && h <= 'F':
		return 10 + h - 'A', true
	default:
		return 0, false
	}
}

func put8(out []byte, w *int, v byte) {
	out[*w] = hexDigit((v >> 4) & 0xF)
	out[*w+1] = hexDigit(v & 0xF)
	*w += 2
}

func putN(out []byte, w *int, v uint64, bytes int) {
	for i := 0; i < bytes; i++ {
		put8(out, w, byte(v>>(8*i)))
	}
}

// WriteG encodes frame/regs into out (which must be at least GHexLen
// bytes) and returns the number of hex characters written.
func (X86_64Core) WriteG(out []byte, frame *irq.Frame, regs *irq.Regs) int {
	w := 0

	for _, v := range []uint64{
		regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI, regs.RBP, frame.RSP,
		regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15,
		frame.RIP,
	} {
		putN(out, &w, v, 8)
	}

	putN(out, &w, frame.RFlags, 4)
	putN(out, &w, frame.CS, 4)
	putN(out, &w, frame.SS, 4)
	putN(out, &w, 0, 4) // ds
	putN(out, &w, 0, 4) // es
	putN(out, &w, 0, 4) // fs
	putN(out, &w, 0, 4) // gs

	for i := 0; i < 8; i++ { // x87 st0..st7, 80 bits each
		for j := 0; j < 10; j++ {
			put8(out, &w, 0)
		}
	}

	putN(out, &w, 0, 2) // fctrl
	putN(out, &w, 0, 2) // fstat
	putN(out, &w, 0, 2) // ftag
	putN(out, &w, 0, 2) // fiseg
	putN(out, &w, 0, 4) // fioff
	putN(out, &w, 0, 2) // foseg
	putN(out, &w, 0, 4) // fooff
	putN(out, &w, 0, 2) // fop

	putN(out, &w, 0, 8) // fs_base
	putN(out, &w, 0, 8) // gs_base

	return w
}

func readN(payload []byte, idx *int, bytes int) (uint64, bool) {
	var v uint64
	for i := 0; i < bytes; i++ {
		hi, ok1 := fromHexDigit(payload[*idx])
		lo, ok2 := fromHexDigit(payload[*idx+1])
		if !ok1 || !ok2 {
			return 0, false
		}
		v |= uint64((hi<<4)|lo) << (8 * i)
		*idx += 2
	}
	return v, true
}

// ReadG decodes a "G" payload (exactly GHexLen bytes) into frame/regs,
// leaving segment selectors, x87 state and FS/GS base untouched: this
// kernel has nowhere to put DS/ES/FS/GS or FPU state changes, and GDB
// never needs to rewrite CS/SS out from under a stopped kernel task.
func (X86_64Core) ReadG(frame *irq.Frame, regs *irq.Regs, payload []byte) bool {
	if len(payload) != GHexLen {
		return false
	}

	i := 0
	read64 := func() (uint64, bool) { return readN(payload, &i, 8) }

	vals := make([]uint64, 17)
	for k := range vals {
		v, ok := read64()
		if !ok {
			return false
		}
		vals[k] = v
	}

	regs.RAX, regs.RBX, regs.RCX, regs.RDX = vals[0], vals[1], vals[2], vals[3]
	regs.RSI, regs.RDI, regs.RBP, frame.RSP = vals[4], vals[5], vals[6], vals[7]
	regs.R8, regs.R9, regs.R10, regs.R11 = vals[8], vals[9], vals[10], vals[11]
	regs.R12, regs.R13, regs.R14, regs.R15 = vals[12], vals[13], vals[14], vals[15]
	frame.RIP = vals[16]

	eflags, ok := readN(payload, &i, 4)
	if !ok {
		return false
	}
	frame.RFlags = (frame.RFlags &^ 0xFFFFFFFF) | eflags
	for k := 0; k < 4; k++ { // cs, ss, ds, es (fs, gs below)
		if _, ok := readN(payload, &i, 4); !ok {
			return false
		}
	}
	if _, ok := readN(payload, &i, 4); !ok { // fs
		return false
	}
	if _, ok := readN(payload, &i, 4); !ok { // gs
		return false
	}

	remaining := (GHexLen - i) / 2
	for k := 0; k < remaining; k++ {
		if _, ok := fromHexDigit(payload[i]); !ok {
			return false
		}
		if _, ok := fromHexDigit(payload[i+1]); !ok {
			return false
		}
		i += 2
	}

	return true
}
