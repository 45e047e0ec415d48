package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint64

// WriteCR0 stores value into the CR0 register.
func WriteCR0(value uint64)

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint64

// WriteCR4 stores value into the CR4 register.
func WriteCR4(value uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IDCount behaves like ID but also sets ECX=subleaf before executing
// CPUID, for leaves (such as 0x15 and 0xD) whose output depends on a
// sub-index.
func IDCount(leaf, subleaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// ReadMSR returns the 64-bit value of the model-specific register at the
// given address, via RDMSR.
func ReadMSR(addr uint32) uint64

// WriteMSR writes a 64-bit value to the model-specific register at the
// given address, via WRMSR.
func WriteMSR(addr uint32, value uint64)

// LGDT loads the GDT register from the descriptor at the given address and
// reloads the segment registers using the supplied code/data selectors.
func LGDT(gdtDescriptorAddr uintptr, codeSelector, dataSelector uint16)

// LTR loads the task register with the given TSS selector.
func LTR(tssSelector uint16)

// LIDT loads the IDT register from the descriptor at the given address.
func LIDT(idtDescriptorAddr uintptr)

// XGETBV returns the value of the extended control register selected by
// index.
func XGETBV(index uint32) uint64

// XSETBV writes value to the extended control register selected by index.
func XSETBV(index uint32, value uint64)

// ReadTSC returns the current value of the timestamp counter.
func ReadTSC() uint64

// Pause executes the PAUSE instruction, a spin-loop hint that avoids the
// memory-order violation penalty the CPU otherwise applies on tight
// read-spin loops such as kernel/smp's INIT-SIPI-SIPI delay.
func Pause()

// TriggerYield raises irq.YieldVector via the INT instruction, giving
// kernel/sched's cooperative yield path a trap frame to rewrite the same
// way a hardware timer interrupt does.
func TriggerYield()

// TriggerBreakpoint executes the INT3 instruction, trapping into the #BP
// handler. kernel/debug's attach handshake uses this to give a waiting GDB
// session a first stop before any task code has run.
func TriggerBreakpoint()

// WritePort8/32 and ReadPort8/32 perform byte/dword I/O port accesses, used
// by kernel/serial and by kernel/apic to mask the legacy PICs.
func WritePort8(port uint16, value uint8)
func ReadPort8(port uint16) uint8
func WritePort32(port uint16, value uint32)
func ReadPort32(port uint16) uint32
