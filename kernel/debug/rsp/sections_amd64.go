package rsp

// archTextBounds, archRodataBounds, archDataBounds and archBSSBounds report
// the [start, end) virtual address range of each kernel link section.
// These are provided by the linker script and a small assembly shim that
// exposes the section symbols it defines as callable accessors — the same
// "implemented in assembly, out of scope" convention kernel/cpu uses for
// its CPU primitives.
func archTextBounds() (start, end uintptr)
func archRodataBounds() (start, end uintptr)
func archDataBounds() (start, end uintptr)
func archBSSBounds() (start, end uintptr)

// textBounds/rodataBounds/dataBounds/bssBounds are function variables
// rather than direct calls so tests can substitute fake section ranges
// without linking against the real kernel image.
var (
	textBounds   = archTextBounds
	rodataBounds = archRodataBounds
	dataBounds   = archDataBounds
	bssBounds    = archBSSBounds
)
