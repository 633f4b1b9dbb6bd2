package interp

// push/pop/peek operate on the shared operand stack; bounds/lane safety
// for these was already proved by the verifier for any module that
// reached Interp.Run, so the hot path here does not re-check them.

func (i *Interp) push(s Slot) {
	i.stack = append(i.stack, s)
}

func (i *Interp) pop() Slot {
	n := len(i.stack) - 1
	v := i.stack[n]
	i.stack = i.stack[:n]
	return v
}

func (i *Interp) pop2() (Slot, Slot) {
	b := i.pop()
	a := i.pop()
	return a, b
}

func (i *Interp) peek(depthFromTop int) Slot {
	return i.stack[len(i.stack)-1-depthFromTop]
}

func (i *Interp) pushBool(v bool) {
	if v {
		i.push(slotI32(1))
	} else {
		i.push(slotI32(0))
	}
}
