package tilepack

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ReconciledMetadata is the output of merging every input's metadata
// table, ready to be written via MBTilesWriter.WriteMetadata.
type ReconciledMetadata struct {
	Entries map[string]string
	Bounds  orb.Bound
	MinZoom int
	MaxZoom int
}

// MetadataReconciler merges the metadata of multiple inputs following
// original_source/src/tile-smush.cpp's main (lines 130-239): last-writer-
// wins for arbitrary keys, min/max tracking for zoom, componentwise
// min/max for bounds, and a brace-balanced scan to dedupe vector_layers
// descriptors without a JSON parser.
type MetadataReconciler struct {
	entries map[string]string
	layers  map[string]struct{}
	minzoom int
	maxzoom int
	bounds  orb.Bound
	seeded  bool
}

// NewMetadataReconciler returns an empty reconciler.
func NewMetadataReconciler() *MetadataReconciler {
	return &MetadataReconciler{
		entries: make(map[string]string),
		layers:  make(map[string]struct{}),
		minzoom: math.MaxInt32,
		maxzoom: math.MinInt32,
	}
}

// Add folds one input's metadata and geographic bounds into the
// reconciler. filename is used only for error messages.
func (m *MetadataReconciler) Add(filename string, entries []MetadataEntry, bounds orb.Bound) error {
	for _, e := range entries {
		m.entries[e.Name] = e.Value

		switch e.Name {
		case "minzoom":
			if z, err := strconv.Atoi(strings.TrimSpace(e.Value)); err == nil && z < m.minzoom {
				m.minzoom = z
			}
		case "maxzoom":
			if z, err := strconv.Atoi(strings.TrimSpace(e.Value)); err == nil && z > m.maxzoom {
				m.maxzoom = z
			}
		case "json":
			descriptors, err := extractVectorLayers(e.Value)
			if err != nil {
				return fmt.Errorf("%s: %w", filename, err)
			}
			for _, d := range descriptors {
				m.layers[d] = struct{}{}
			}
		}
	}

	if m.seeded {
		m.bounds = m.bounds.Union(bounds)
	} else {
		m.bounds = bounds
		m.seeded = true
	}
	return nil
}

// Reconcile produces the final merged metadata set. The json value is
// rebuilt as {"vector_layers":[...]} with descriptors in deterministic
// (sorted, deduplicated) order.
func (m *MetadataReconciler) Reconcile() ReconciledMetadata {
	out := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}

	out["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
		m.bounds.Min[0], m.bounds.Min[1], m.bounds.Max[0], m.bounds.Max[1])

	minzoom, maxzoom := m.minzoom, m.maxzoom
	if minzoom == math.MaxInt32 {
		minzoom = 0
	}
	if maxzoom == math.MinInt32 {
		maxzoom = 0
	}
	out["minzoom"] = strconv.Itoa(minzoom)
	out["maxzoom"] = strconv.Itoa(maxzoom)

	descriptors := make([]string, 0, len(m.layers))
	for d := range m.layers {
		descriptors = append(descriptors, d)
	}
	sort.Strings(descriptors)
	out["json"] = `{"vector_layers":[` + strings.Join(descriptors, ",") + `]}`

	return ReconciledMetadata{
		Entries: out,
		Bounds:  m.bounds,
		MinZoom: minzoom,
		MaxZoom: maxzoom,
	}
}

// extractVectorLayers scans json for `"vector_layers":[...]` and returns
// the byte-exact substring of each top-level {...} object, deduplicated.
// This is a brace-balance walk, not a JSON parse: it does not understand
// strings, escapes, or comments, matching original_source's hand-rolled
// strstr+brace-counter scan. Inputs with braces inside string literals
// will mis-parse; this is a known, accepted limitation (SPEC_FULL.md §9).
func extractVectorLayers(json string) ([]string, error) {
	const marker = `"vector_layers":[`
	idx := strings.Index(json, marker)
	if idx == -1 {
		return nil, fmt.Errorf("no vector_layers found")
	}

	body := json[idx+len(marker):]

	var descriptors []string
	seen := make(map[string]struct{})

	start := -1
	braces := 0
	for i := 0; i < len(body); i++ {
		c := body[i]

		if start == -1 && c == ']' {
			break
		}
		if start == -1 && c == '{' {
			start = i
		}
		if c == '{' {
			braces++
		}
		if c == '}' {
			braces--
		}
		if start != -1 && braces == 0 {
			descriptor := body[start : i+1]
			if _, ok := seen[descriptor]; !ok {
				seen[descriptor] = struct{}{}
				descriptors = append(descriptors, descriptor)
			}
			start = -1
		}
	}

	return descriptors, nil
}
