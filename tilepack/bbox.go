package tilepack

import "math"

// Bbox is an axis-aligned bound in tile-index space for a single zoom
// level, mirroring original_source's Bbox struct. An empty Bbox has
// Min > Max on both axes (the sentinel init used in tile-smush.cpp).
type Bbox struct {
	MinX, MinY uint32
	MaxX, MaxY uint32
	empty      bool
}

// NewEmptyBbox returns a Bbox whose sentinels make Union/Extend from it
// behave as if it were the identity element (any real extent expands it).
func NewEmptyBbox() Bbox {
	return Bbox{
		MinX:  math.MaxUint32,
		MinY:  math.MaxUint32,
		MaxX:  0,
		MaxY:  0,
		empty: true,
	}
}

// Empty reports whether the bbox has never been extended.
func (b Bbox) Empty() bool {
	return b.empty
}

// Extend grows the bbox to include (x, y).
func (b *Bbox) Extend(x, y uint32) {
	if x < b.MinX {
		b.MinX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y > b.MaxY {
		b.MaxY = y
	}
	b.empty = false
}

// Union returns the bbox covering both a and b. An empty operand is
// the identity element: Union of an empty bbox with a non-empty one
// returns the non-empty one unchanged.
func Union(a, b Bbox) Bbox {
	if a.empty {
		return b
	}
	if b.empty {
		return a
	}
	out := a
	out.Extend(b.MinX, b.MinY)
	out.Extend(b.MaxX, b.MaxY)
	return out
}
