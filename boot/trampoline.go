package boot

// KernelEntryArgs are the registers EnterKernel sets up immediately before
// jumping into the kernel, matching jotunboot's enter_kernel_via_trampoline:
// switch page tables, switch stacks, then jump with BootInfoPtr as the
// kernel entry point's sole argument.
type KernelEntryArgs struct {
	CR3         uint64
	StackTop    uint64
	BootInfoPtr uint64
	Entry       uint64
}

// EnterKernel disables interrupts, loads CR3 with args.CR3, switches RSP to
// args.StackTop, and jumps to args.Entry with args.BootInfoPtr in the
// first argument register. It never returns.
//
// Implemented in assembly as a handful of instructions (cli; mov cr3, rdi;
// mov rsp, rsi; mov rdi, rcx; jmp rdx) rather than as a Go call, since by
// this point the new page tables may no longer map the Go runtime's
// current stack and there is no scheduler yet to return into. The same
// boundary kernel/smp draws around apEntryTrampoline's machine code.
func EnterKernel(args *KernelEntryArgs)
