// Package sched implements the kernel's task scheduler: a fixed-slot
// round-robin run queue driven by the timer tick (preemptive) and by
// explicit Yield/ExitCurrent calls (cooperative). Both paths converge on
// the same mechanism: a context switch is "replace the trap frame that
// IRET will consume," so Tick rewrites the frame the timer ISR was handed
// and Yield/ExitCurrent manufacture one via a software interrupt
// (cpu.TriggerYield, irq.YieldVector) instead of hand-rolling a second,
// parallel register-save/restore path.
package sched

import (
	"jotunheim/kernel"
	"jotunheim/kernel/cpu"
	"jotunheim/kernel/irq"
	"jotunheim/kernel/mem"
	"jotunheim/kernel/mem/vmm"
	"jotunheim/kernel/simd"
	"jotunheim/kernel/sync"
	"jotunheim/kernel/tables"
	"unsafe"
)

// TaskState mirrors the original port's task lifecycle states.
type TaskState uint8

const (
	Dead TaskState = iota
	Ready
	Running
	Sleeping
)

// TaskID identifies a run-queue slot's occupant across its lifetime.
type TaskID uint64

const (
	// MaxTasks is the run queue's fixed capacity.
	MaxTasks = 128

	// DefaultSlice is the number of timer ticks a task runs before being
	// preempted (5 ticks at a 1kHz timer is 5ms).
	DefaultSlice = 5

	// idleSlice marks the idle task as never preemptable by tick
	// decrement: it only ever steps aside when another task is Ready.
	idleSlice = ^uint32(0)

	idleStackPages = 4 // 16KiB, matching the original's IDLE_STACK_SIZE
)

// Task is one run-queue slot. Frame/Regs hold the saved trap-frame/GPR
// state IRET will consume when this task is next resumed; they are the
// task's entire saved context, in place of a hand-written CpuContext.
type Task struct {
	ID        TaskID
	State     TaskState
	Frame     irq.Frame
	Regs      irq.Regs
	SIMD      []byte
	KStackTop uintptr
	TimeSlice uint32

	Entry func(uintptr)
	Arg   uintptr
}

type runQueue struct {
	lock        sync.Spinlock
	tasks       [MaxTasks]Task
	current     int
	nextID      TaskID
	needResched bool
	initialized bool
}

var rq runQueue

var (
	vmapPagesFn   = vmm.VmapAllocPages
	triggerYield  = cpu.TriggerYield
	haltFn        = cpu.Halt
	simdSaveFn    = func(p *byte) { simd.Save(p) }
	simdRestoreFn = func(p *byte) { simd.Restore(p) }
)

var errNoFreeSlots = &kernel.Error{Module: "sched", Message: "run queue has no free task slots"}

// Init installs the idle task at slot 0 and wires this package into irq's
// tick/yield/terminate hooks. Calling it more than once is a no-op.
func Init() *kernel.Error {
	rq.lock.Acquire()
	defer rq.lock.Release()

	if rq.initialized {
		return nil
	}

	stack, err := allocStack(idleStackPages)
	if err != nil {
		return err
	}
	simdArea, err := allocSIMDArea()
	if err != nil {
		return err
	}

	idle := &rq.tasks[0]
	*idle = Task{
		ID:        0,
		State:     Running,
		SIMD:      simdArea,
		KStackTop: stack,
		TimeSlice: idleSlice,
		Entry:     idleMain,
	}
	idle.Frame.RIP = uint64(funcPC(taskTrampoline))
	idle.Frame.CS = uint64(tables.KernelCodeSelector)
	idle.Frame.RFlags = 0x202
	idle.Frame.RSP = uint64(stack)
	idle.Frame.SS = uint64(tables.KernelDataSelector)

	rq.current = 0
	rq.nextID = 1

	irq.TickFn = Tick
	irq.YieldFn = yieldEntry
	irq.TerminateCurrentTaskFn = ExitCurrent
	sync.SetYieldFunc(Yield)

	rq.initialized = true
	return nil
}

// SpawnKernelThread installs entry/arg into the first Dead slot, ready to
// run the next time the scheduler picks it. stack is the task's kernel
// stack, top-down; its top 16 bytes are left untouched by the caller.
func SpawnKernelThread(entry func(uintptr), arg uintptr, stack []byte) (TaskID, *kernel.Error) {
	rq.lock.Acquire()
	defer rq.lock.Release()

	slot := -1
	for i := range rq.tasks {
		if i == 0 {
			continue // slot 0 is always the idle task
		}
		if rq.tasks[i].State == Dead {
			slot = i
			break
		}
	}
	if slot == -1 {
		return 0, errNoFreeSlots
	}

	simdArea, err := allocSIMDArea()
	if err != nil {
		return 0, err
	}

	stackTop := uintptr(unsafe.Pointer(&stack[len(stack)-1])) &^ 0xf

	id := rq.nextID
	rq.nextID++

	t := &rq.tasks[slot]
	*t = Task{
		ID:        id,
		State:     Ready,
		SIMD:      simdArea,
		KStackTop: stackTop,
		TimeSlice: DefaultSlice,
		Entry:     entry,
		Arg:       arg,
	}
	t.Frame.RIP = uint64(funcPC(taskTrampoline))
	t.Frame.CS = uint64(tables.KernelCodeSelector)
	t.Frame.RFlags = 0x202
	t.Frame.RSP = uint64(stackTop)
	t.Frame.SS = uint64(tables.KernelDataSelector)

	return id, nil
}

// Tick is called by the timer ISR once per period. It decrements the
// current task's remaining slice and, when it expires (or a reschedule is
// already pending), switches to the next Ready task by rewriting frame
// and regs in place.
func Tick(frame *irq.Frame, regs *irq.Regs) {
	reschedule(frame, regs, true)
}

// Yield voluntarily gives up the remainder of the current task's slice.
// It raises irq.YieldVector so the scheduler has a trap frame to rewrite,
// the same mechanism Tick uses.
func Yield() {
	triggerYield()
}

// yieldEntry is wired to irq.YieldFn and runs the cooperative half of
// reschedule: unlike Tick, it never decrements a slice, it always tries
// to move on to another Ready task.
func yieldEntry(frame *irq.Frame, regs *irq.Regs) {
	reschedule(frame, regs, false)
}

// ExitCurrent marks the running task Dead and switches away from it. If
// no other task is Ready, it halts forever: there is no frame to return
// to, so this function never returns.
func ExitCurrent() {
	rq.lock.Acquire()
	rq.tasks[rq.current].State = Dead
	rq.lock.Release()

	triggerYield()

	for {
		haltFn()
	}
}

// reschedule implements the shared tick/yield logic described in the
// package doc comment. tick is true only from the preemptive timer path.
func reschedule(frame *irq.Frame, regs *irq.Regs, tick bool) {
	rq.lock.Acquire()
	defer rq.lock.Release()

	cur := rq.current
	curTask := &rq.tasks[cur]

	if tick {
		if curTask.TimeSlice != idleSlice {
			curTask.TimeSlice--
			if curTask.TimeSlice == 0 {
				if curTask.State == Running {
					curTask.State = Ready
				}
				curTask.TimeSlice = DefaultSlice
				rq.needResched = true
			}
		}

		if !rq.needResched && !(cur == 0 && anyReady(cur)) {
			return
		}
	}

	next := pickNext(cur)
	rq.needResched = false

	if next == cur {
		return
	}

	curTask.Frame = *frame
	curTask.Regs = *regs
	simdSaveFn(&curTask.SIMD[0])
	if curTask.State == Running {
		curTask.State = Ready
	}

	nextTask := &rq.tasks[next]
	*frame = nextTask.Frame
	*regs = nextTask.Regs
	simdRestoreFn(&nextTask.SIMD[0])
	nextTask.State = Running

	rq.current = next
}

// pickNext scans the run queue round-robin starting just after cur,
// returning the first Ready slot it finds. Slot 0 (idle) is only ever
// returned as the final fallback, and only if it is itself Ready.
func pickNext(cur int) int {
	for i := 1; i < MaxTasks; i++ {
		idx := (cur + i) % MaxTasks
		if idx == 0 {
			continue
		}
		if rq.tasks[idx].State == Ready {
			return idx
		}
	}
	if rq.tasks[0].State == Ready {
		return 0
	}
	return cur
}

// anyReady reports whether some slot other than cur is Ready, used to
// force the idle task to step aside the instant real work appears.
func anyReady(cur int) bool {
	for i := range rq.tasks {
		if i != cur && rq.tasks[i].State == Ready {
			return true
		}
	}
	return false
}

// taskTrampoline is the RIP every task's saved Frame starts at. It takes
// no arguments: a task's entry/arg are application-defined and cannot be
// encoded into a single reused bodyless function signature, so instead
// this looks up the task that is now current and invokes its stored
// Entry/Arg directly.
func taskTrampoline() {
	rq.lock.Acquire()
	t := &rq.tasks[rq.current]
	entry, arg := t.Entry, t.Arg
	rq.lock.Release()

	entry(arg)

	ExitCurrent()
}

func idleMain(uintptr) {
	for {
		haltFn()
	}
}

func allocStack(pages uintptr) (uintptr, *kernel.Error) {
	base, err := vmapPagesFn(pages, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return 0, err
	}
	return (base + pages*uintptr(mem.PageSize) - 0x08) &^ 0xf, nil
}

// allocSIMDArea reserves a page-granular, non-relocating buffer for
// XSAVE/FXSAVE: these instructions require a fixed, 64-byte-aligned save
// area, which a plain Go heap slice does not guarantee (the allocator is
// free to move it), so this comes from the kernel page allocator instead,
// matching the original's SimdArea::alloc.
func allocSIMDArea() ([]byte, *kernel.Error) {
	size := simd.Current().SaveAreaSize
	pageSize := uintptr(mem.PageSize)
	pages := (uintptr(size) + pageSize - 1) / pageSize
	if pages == 0 {
		pages = 1
	}

	base, err := vmapPagesFn(pages, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), pages*pageSize), nil
}

// funcPC returns the entry address of a zero-argument Go function value,
// the same first-word-is-the-code-pointer trick kernel/smp's funcPC uses
// for apEntryTrampoline.
func funcPC(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}
