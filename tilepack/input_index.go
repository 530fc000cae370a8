package tilepack

import "fmt"

// InputIndex is one input archive's catalogue of populated coordinates
// and per-zoom bounding boxes, built by a single ScanAll pass. This is
// the Go rendition of original_source/src/tile-smush.cpp's Input struct.
type InputIndex struct {
	Index    int
	Filename string
	Reader   MBTilesReader

	zooms [MaxZoom]*CoordinateSet
	boxes [MaxZoom]Bbox
}

// NewInputIndex scans reader in full, building a CoordinateSet and Bbox
// for every zoom in [0, MaxZoom).
func NewInputIndex(index int, filename string, reader MBTilesReader) (*InputIndex, error) {
	in := &InputIndex{
		Index:    index,
		Filename: filename,
		Reader:   reader,
	}
	for z := range in.zooms {
		in.zooms[z] = NewCoordinateSet(uint32(z))
		in.boxes[z] = NewEmptyBbox()
	}

	err := reader.ScanAll(func(z, x, y uint32) {
		if int(z) >= MaxZoom {
			return
		}
		in.zooms[z].Insert(x, y)
		in.boxes[z].Extend(x, y)
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", filename, err)
	}

	return in, nil
}

// Contains reports whether this input carries a tile at (z, x, y).
func (in *InputIndex) Contains(z, x, y uint32) bool {
	if int(z) >= MaxZoom {
		return false
	}
	return in.zooms[z].Contains(x, y)
}

// Bbox returns the populated-coordinate bounding box at zoom z.
func (in *InputIndex) Bbox(z uint32) Bbox {
	if int(z) >= MaxZoom {
		return NewEmptyBbox()
	}
	return in.boxes[z]
}
