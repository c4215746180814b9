package core

import "golang.org/x/exp/constraints"

// AlignUp rounds value up to the next multiple of alignment. Alignment must be a power of two.
func AlignUp[T constraints.Unsigned](value, alignment T) T {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}
