package memstore

import (
	"cmp"
	"maps"
	"math"
	"slices"

	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// ivf is an inverted-file index over unit vectors: each point lives in the
// list of its most similar centroid.
type ivf struct {
	dim       int
	centroids [][]float64
	lists     [][]string
	assigned  map[string]int
}

// trainIVF runs spherical k-means over points. Initial centroids are taken
// at evenly spaced positions of the sorted point IDs, which keeps training
// deterministic for a given point set.
func trainIVF(points map[string][]float64, dim, k, iterations int) *ivf {
	ids := slices.Sorted(maps.Keys(points))
	if k > len(ids) {
		k = len(ids)
	}
	if k < 1 {
		k = 1
	}

	idx := &ivf{
		dim:       dim,
		centroids: make([][]float64, k),
		assigned:  make(map[string]int, len(ids)),
	}
	if len(ids) == 0 {
		idx.centroids[0] = make([]float64, dim)
		idx.lists = make([][]string, 1)
		return idx
	}
	step := float64(len(ids)) / float64(k)
	for c := range k {
		idx.centroids[c] = slices.Clone(points[ids[int(float64(c)*step)]])
	}

	assign := make([]int, len(ids))
	for it := 0; it < iterations; it++ {
		changed := false
		for i, id := range ids {
			c := idx.nearest(points[id])
			if it == 0 || c != assign[i] {
				changed = true
			}
			assign[i] = c
		}
		if !changed {
			break
		}
		sums := make([][]float64, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, id := range ids {
			p := points[id]
			s := sums[assign[i]]
			for j := range p {
				s[j] += p[j]
			}
		}
		for c, s := range sums {
			if u := unit64(s); u != nil {
				idx.centroids[c] = u
			}
			// An empty cluster keeps its previous centroid.
		}
	}

	idx.lists = make([][]string, k)
	for _, id := range ids {
		c := idx.nearest(points[id])
		idx.lists[c] = append(idx.lists[c], id)
		idx.assigned[id] = c
	}
	return idx
}

// nearest returns the centroid most similar to p; ties go to the lower index.
func (x *ivf) nearest(p []float64) int {
	best, bestSim := 0, -2.0
	for c, centroid := range x.centroids {
		if sim := vectorstore.Dot(centroid, p); sim > bestSim {
			best, bestSim = c, sim
		}
	}
	return best
}

// assign places (or moves) id into the list of its nearest centroid.
// Points of a different dimension are not indexed.
func (x *ivf) assign(id string, p []float64) {
	x.remove(id)
	if len(p) != x.dim {
		return
	}
	c := x.nearest(p)
	x.lists[c] = append(x.lists[c], id)
	x.assigned[id] = c
}

func (x *ivf) remove(id string) {
	c, ok := x.assigned[id]
	if !ok {
		return
	}
	x.lists[c] = slices.DeleteFunc(x.lists[c], func(s string) bool { return s == id })
	delete(x.assigned, id)
}

// candidates returns the IDs in the probes lists closest to q. Lists are
// ranked by centroid similarity, ties broken by list index.
func (x *ivf) candidates(q []float64, probes int) []string {
	type ranked struct {
		list int
		sim  float64
	}
	order := make([]ranked, len(x.centroids))
	for c, centroid := range x.centroids {
		order[c] = ranked{list: c, sim: vectorstore.Dot(centroid, q)}
	}
	slices.SortFunc(order, func(a, b ranked) int {
		if a.sim != b.sim {
			return cmp.Compare(b.sim, a.sim)
		}
		return cmp.Compare(a.list, b.list)
	})
	if probes > len(order) {
		probes = len(order)
	}
	var out []string
	for _, r := range order[:probes] {
		out = append(out, x.lists[r.list]...)
	}
	return out
}

func unit64(v []float64) []float64 {
	n := vectorstore.Dot(v, v)
	if n == 0 {
		return nil
	}
	inv := 1 / math.Sqrt(n)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}
