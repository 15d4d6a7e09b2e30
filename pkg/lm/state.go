package lm

// State is an immutable snapshot of the recurrent network after consuming
// some token history. States are value handles: scoring calls never modify
// the states passed to them, so one state may seed any number of divergent
// continuations. The zero State represents an empty history.
type State struct {
	h [][]float32
	c [][]float32
}

// empty reports whether the state carries no history yet.
func (s State) empty() bool {
	return s.h == nil
}

// clone returns a deep copy. Returned states never alias scorer scratch or
// each other, so this is only needed when a caller wants an explicit copy.
func (s State) clone() State {
	if s.empty() {
		return State{}
	}
	out := State{h: cloneVecs(s.h)}
	if s.c != nil {
		out.c = cloneVecs(s.c)
	}
	return out
}

func cloneVecs(vs [][]float32) [][]float32 {
	out := make([][]float32, len(vs))
	for i, v := range vs {
		out[i] = make([]float32, len(v))
		copy(out[i], v)
	}
	return out
}
