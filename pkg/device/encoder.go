package device

// command is one recorded operation of a CommandBuffer
type command interface {
	op() string
}

type dispatchCommand struct {
	kernel   Kernel
	groups   uint32
	bindings []Buffer
}

func (dispatchCommand) op() string { return "dispatch" }

type copyCommand struct {
	src    Buffer
	srcOff int
	dst    Buffer
	dstOff int
	words  int
}

func (copyCommand) op() string { return "copy" }

type writeCommand struct {
	dst  Buffer
	off  int
	data []uint32
}

func (writeCommand) op() string { return "write" }

// readCommand copies device words into host memory once it executes
type readCommand struct {
	src Buffer
	off int
	dst []uint32
}

func (readCommand) op() string { return "read" }

// CommandBuffer is a finished, immutable list of recorded commands
type CommandBuffer struct {
	label string
	cmds  []command
}

// Label returns the label the encoder was created with
func (cb *CommandBuffer) Label() string {
	return cb.label
}

// Len returns the number of recorded commands
func (cb *CommandBuffer) Len() int {
	return len(cb.cmds)
}

// Encoder records commands for later submission
type Encoder struct {
	label string
	cmds  []command
}

// NewEncoder creates an empty command encoder
func NewEncoder(label string) *Encoder {
	return &Encoder{label: label}
}

// Dispatch records a kernel dispatch over groups workgroups
func (e *Encoder) Dispatch(k Kernel, groups uint32, bindings ...Buffer) {
	if groups == 0 {
		return
	}
	b := make([]Buffer, len(bindings))
	copy(b, bindings)
	e.cmds = append(e.cmds, dispatchCommand{kernel: k, groups: groups, bindings: b})
}

// CopyBuffer records a device-to-device copy of words 32-bit words
func (e *Encoder) CopyBuffer(src Buffer, srcOff int, dst Buffer, dstOff int, words int) {
	if words == 0 {
		return
	}
	e.cmds = append(e.cmds, copyCommand{src: src, srcOff: srcOff, dst: dst, dstOff: dstOff, words: words})
}

// WriteBuffer records a host-to-device write. The data is copied immediately.
func (e *Encoder) WriteBuffer(dst Buffer, off int, data []uint32) {
	if len(data) == 0 {
		return
	}
	e.cmds = append(e.cmds, writeCommand{dst: dst, off: off, data: append([]uint32(nil), data...)})
}

// Finish ends recording and returns the command buffer
func (e *Encoder) Finish() *CommandBuffer {
	cb := &CommandBuffer{label: e.label, cmds: e.cmds}
	e.cmds = nil
	return cb
}
