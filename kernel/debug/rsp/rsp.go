// Package rsp implements the GDB Remote Serial Protocol command loop spec.md
// calls for in 4.M: packet framing over a Transport, register and memory
// access gated by a Memory policy, software breakpoint install/remove via
// kernel/debug/breakpoint, and continue/step/kill replies that hand control
// back to whichever ISR called Serve. Grounded on the original
// implementation's debug/rsp/core.rs.
package rsp

import (
	"jotunheim/kernel/debug/breakpoint"
	"jotunheim/kernel/irq"
	"unsafe"
)

// Outcome directs the caller of Serve what to do with the stopped task.
type Outcome uint8

const (
	// Continue resumes the task at its current RIP.
	Continue Outcome = iota
	// SingleStep resumes the task with the trap flag set.
	SingleStep
	// KillTask terminates the current task instead of resuming it.
	KillTask
)

const (
	inBufLen  = 0x2000
	outBufLen = 0x2000
	tmpLen    = 0x200

	stackWindow = 128 * 1024 // ± around RSP, readable even outside section policy
)

var (
	inBuf  [inBufLen]byte
	outBuf [outBufLen]byte
	tmpBuf [tmpLen]byte

	noAck       bool
	everResumed bool
)

func startsWith(off, total int, pat []byte) bool {
	if len(pat) > total-off {
		return false
	}
	for i, b := range pat {
		if inBuf[off+i] != b {
			return false
		}
	}
	return true
}

// parseHexUint parses a hex integer starting at off, stopping at the first
// non-hex-digit byte or at total. Returns the parsed value and the number
// of bytes consumed; ok is false if zero digits were consumed.
func parseHexUint(off, total int) (val uintptr, used int, ok bool) {
	for off+used < total {
		d, valid := fromHexDigit(inBuf[off+used])
		if !valid {
			break
		}
		val = (val << 4) | uintptr(d)
		used++
	}
	return val, used, used > 0
}

// parseAddrLen parses "addr,len" starting at off, returning the pair and
// total bytes consumed.
func parseAddrLen(off, total int) (addr, length uintptr, used int, ok bool) {
	addr, ua, ok := parseHexUint(off, total)
	if !ok || off+ua >= total || inBuf[off+ua] != ',' {
		return 0, 0, 0, false
	}
	length, ul, ok := parseHexUint(off+ua+1, total)
	if !ok {
		return 0, 0, 0, false
	}
	return addr, length, ua + 1 + ul, true
}

func checksum(payload []byte) byte {
	var cks byte
	for _, b := range payload {
		cks += b
	}
	return cks
}

func sendPkt(tx Transport, payload []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		tx.Putc('$')
		cks := byte(0)
		for _, b := range payload {
			tx.Putc(b)
			cks += b
		}
		tx.Putc('#')
		tx.Putc(hexDigit((cks >> 4) & 0xF))
		tx.Putc(hexDigit(cks & 0xF))

		if noAck {
			return
		}
		if tx.GetcBlock() == '+' {
			return
		}
		// '-' (or noise treated the same): resend once more, per the
		// original implementation's single-retry policy.
	}
}

// recvPktLen reads a full packet into inBuf, returning its payload length
// (excluding the leading '$' and trailing "#xx"). A lone 0x03 (Ctrl-C) is
// reported as a one-byte packet with inBuf[0]==0x03, GDB's async-break
// convention.
func recvPktLen(tx Transport) int {
	for {
		c := tx.GetcBlock()

		if c == '+' || c == '-' {
			continue // stray ack from a prior exchange
		}
		if c == 0x03 {
			inBuf[0] = 0x03
			return 1
		}
		if c != '$' {
			continue
		}

		length := 0
		cks := byte(0)
		for {
			c = tx.GetcBlock()
			if c == '#' {
				break
			}
			if length < inBufLen {
				inBuf[length] = c
				length++
				cks += c
			}
		}

		h1 := tx.GetcBlock()
		h2 := tx.GetcBlock()
		hi, ok1 := fromHexDigit(h1)
		lo, ok2 := fromHexDigit(h2)

		if ok1 && ok2 && (hi<<4|lo) == cks {
			if !noAck {
				tx.Putc('+')
			}
			return length
		}
		if !noAck {
			tx.Putc('-')
		}
	}
}

func sendTStop(tx Transport, sig byte, tid, pc uint64) {
	payload := outBuf[:0]
	payload = append(payload, 'T', hexDigit((sig>>4)&0xF), hexDigit(sig&0xF))
	payload = append(payload, ';')
	payload = append(payload, "thread:"...)
	payload = appendHexU64(payload, tid)
	payload = append(payload, ';')
	payload = append(payload, "pc:"...)
	payload = appendHexU64(payload, pc)
	payload = append(payload, ';')
	sendPkt(tx, payload)
}

func appendHexU64(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [16]byte
	n := 0
	for v != 0 {
		tmp[n] = hexDigit(byte(v & 0xF))
		n++
		v >>= 4
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, tmp[i])
	}
	return dst
}

// Serve runs one RSP command loop over tx, gated by mem's memory-access
// policy, against frame/regs. It returns once the debugger issues a
// continue, step or kill request, having already rewritten frame/regs (via
// g/G) as the debugger asked.
func Serve(tx Transport, mem Memory, frame *irq.Frame, regs *irq.Regs) Outcome {
	core := X86_64Core{}

	if everResumed {
		sendTStop(tx, 0x05, 1, frame.RIP)
	}

	for {
		length := recvPktLen(tx)
		if length == 0 {
			sendPkt(tx, nil)
			continue
		}

		switch inBuf[0] {
		case '?':
			sendPkt(tx, []byte("S05"))

		case 'H':
			sendPkt(tx, []byte("OK"))

		case 'q':
			switch {
			case startsWith(0, length, []byte("qSupported")):
				sendPkt(tx, []byte("PacketSize=2000;QStartNoAckMode+"))
			case startsWith(0, length, []byte("qAttached")):
				sendPkt(tx, []byte("1"))
			case startsWith(0, length, []byte("qfThreadInfo")):
				sendPkt(tx, []byte("m1"))
			case startsWith(0, length, []byte("qsThreadInfo")):
				sendPkt(tx, []byte("l"))
			case startsWith(0, length, []byte("qC")):
				sendPkt(tx, []byte("QC1"))
			case startsWith(0, length, []byte("qTStatus")):
				sendPkt(tx, nil)
			case startsWith(0, length, []byte("vCont?")):
				sendPkt(tx, []byte("vCont;c;s"))
			default:
				sendPkt(tx, nil)
			}

		case 'Q':
			if startsWith(0, length, []byte("QStartNoAckMode")) {
				noAck = true
				sendPkt(tx, []byte("OK"))
			} else {
				sendPkt(tx, nil)
			}

		case 'g':
			w := core.WriteG(outBuf[:], frame, regs)
			sendPkt(tx, outBuf[:w])

		case 'G':
			payLen := length - 1
			if payLen != GHexLen {
				sendPkt(tx, []byte("E00"))
				continue
			}
			if core.ReadG(frame, regs, inBuf[1:length]) {
				sendPkt(tx, []byte("OK"))
			} else {
				sendPkt(tx, []byte("E00"))
			}

		case 'm':
			serveReadMem(tx, mem, frame, length)

		case 'M':
			serveWriteMem(tx, mem, length)

		case 'Z':
			if startsWith(0, length, []byte("Z0,")) {
				addr, _, ok := parseHexUint(3, length)
				if !ok {
					sendPkt(tx, []byte("E00"))
				} else if breakpoint.Insert(uint64(addr)) {
					sendPkt(tx, []byte("OK"))
				} else {
					sendPkt(tx, []byte("E01"))
				}
			} else {
				sendPkt(tx, []byte("E00"))
			}

		case 'z':
			if startsWith(0, length, []byte("z0,")) {
				addr, _, ok := parseHexUint(3, length)
				if !ok {
					sendPkt(tx, []byte("E00"))
				} else if breakpoint.Remove(uint64(addr)) {
					sendPkt(tx, []byte("OK"))
				} else {
					sendPkt(tx, []byte("E01"))
				}
			} else {
				sendPkt(tx, []byte("E00"))
			}

		case 'v':
			switch {
			case startsWith(0, length, []byte("vCont?")):
				sendPkt(tx, []byte("vCont;c;s"))
			case startsWith(0, length, []byte("vCont;c")):
				everResumed = true
				return Continue
			case startsWith(0, length, []byte("vCont;s")):
				everResumed = true
				return SingleStep
			default:
				sendPkt(tx, nil)
			}

		case 'c':
			everResumed = true
			return Continue

		case 's':
			everResumed = true
			return SingleStep

		case 'k':
			return KillTask

		case 0x03:
			sendPkt(tx, []byte("S02"))

		default:
			sendPkt(tx, nil)
		}
	}
}

func serveReadMem(tx Transport, mem Memory, frame *irq.Frame, length int) {
	addr, rlen, _, ok := parseAddrLen(1, length)
	if !ok {
		sendPkt(tx, []byte("E00"))
		return
	}

	maxLen := uintptr(outBufLen / 2)
	allowed := rlen != 0 && rlen <= maxLen && mem.CanRead(addr, rlen)
	if !allowed {
		rsp := uintptr(frame.RSP)
		lo := saturatingSub(rsp, stackWindow)
		hi := rsp + stackWindow
		if addr >= lo && addr+rlen <= hi {
			allowed = true
		}
	}
	if !allowed {
		sendPkt(tx, []byte("E01"))
		return
	}

	w := 0
	for i := uintptr(0); i < rlen; i++ {
		v := *(*byte)(byteAt(addr + i))
		put8(outBuf[:], &w, v)
	}
	sendPkt(tx, outBuf[:w])
}

func serveWriteMem(tx Transport, mem Memory, length int) {
	addr, wlen, used, ok := parseAddrLen(1, length)
	if !ok || 1+used >= length || inBuf[1+used] != ':' {
		sendPkt(tx, []byte("E00"))
		return
	}
	if wlen == 0 || wlen > tmpLen || !mem.CanWrite(addr, wlen) {
		sendPkt(tx, []byte("E01"))
		return
	}

	hexOff := 1 + used + 1
	hexLen := length - hexOff
	if hexLen != int(wlen)*2 {
		sendPkt(tx, []byte("E00"))
		return
	}

	for i := uintptr(0); i < wlen; i++ {
		hi, ok1 := fromHexDigit(inBuf[hexOff+int(i)*2])
		lo, ok2 := fromHexDigit(inBuf[hexOff+int(i)*2+1])
		if !ok1 || !ok2 {
			sendPkt(tx, []byte("E00"))
			return
		}
		tmpBuf[i] = (hi << 4) | lo
	}
	for i := uintptr(0); i < wlen; i++ {
		*(*byte)(byteAt(addr + i)) = tmpBuf[i]
	}
	sendPkt(tx, []byte("OK"))
}

func byteAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

func saturatingSub(a uintptr, b uintptr) uintptr {
	if b > a {
		return 0
	}
	return a - b
}
