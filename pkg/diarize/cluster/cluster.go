// Package cluster implements deterministic bottom-up (agglomerative)
// hierarchical clustering of speaker embeddings.
//
// The merge tree is built with the nearest-neighbour-chain algorithm, which is
// exact for every linkage offered here and needs O(N²) time and memory. The
// tree is then cut so that exactly k clusters remain.
//
// All functions are pure and safe for concurrent use.
package cluster

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrClustering is returned for inputs that cannot be clustered.
var ErrClustering = errors.New("cluster: clustering failed")

// DefaultClusters is the speaker count assumed when the caller gives none.
const DefaultClusters = 2

// Linkage selects how the distance between two clusters is derived from the
// distances between their members.
type Linkage int

const (
	// Ward merges the pair whose union least increases total within-cluster
	// variance. It operates on Euclidean distances.
	Ward Linkage = iota
	// Average uses the mean pairwise distance.
	Average
	// Complete uses the largest pairwise distance.
	Complete
	// Single uses the smallest pairwise distance.
	Single
)

// String returns the lowercase linkage name.
func (l Linkage) String() string {
	switch l {
	case Ward:
		return "ward"
	case Average:
		return "average"
	case Complete:
		return "complete"
	case Single:
		return "single"
	default:
		return fmt.Sprintf("Linkage(%d)", int(l))
	}
}

// ParseLinkage maps a name such as "ward" to its [Linkage]. The empty string
// selects [Ward].
func ParseLinkage(s string) (Linkage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ward":
		return Ward, nil
	case "average":
		return Average, nil
	case "complete":
		return Complete, nil
	case "single":
		return Single, nil
	}
	return 0, fmt.Errorf("cluster: unknown linkage %q", s)
}

// Merge is one step of the merge tree. A and B are the smallest original
// point indices of the two clusters joined at Height.
type Merge struct {
	A, B   int
	Height float64
}

// Agglomerative partitions vectors into k clusters and returns one label per
// vector. Labels are dense and numbered in order of first appearance, so
// vectors[0] is always in cluster 0.
//
// An empty input yields (nil, nil). When fewer than k vectors are given, k is
// clamped to len(vectors) and every vector gets its own label. k < 1, mixed
// dimensionality and non-finite components are reported as [ErrClustering].
//
// The result is fully determined by the input: ties between equal distances
// are broken in favour of the lowest point index.
func Agglomerative(vectors [][]float32, k int, linkage Linkage) ([]int, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: cluster count must be at least 1, got %d", ErrClustering, k)
	}
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}
	if linkage < Ward || linkage > Single {
		return nil, fmt.Errorf("%w: unsupported linkage %v", ErrClustering, linkage)
	}
	if k > n {
		slog.Debug("fewer embeddings than clusters, clamping", "embeddings", n, "clusters", k)
		k = n
	}

	points, err := toFloat64(vectors)
	if err != nil {
		return nil, err
	}

	merges := Tree(points, linkage)
	return Cut(n, merges, k), nil
}

// Tree builds the full merge tree of points (N-1 merges) ordered by
// non-decreasing height. Equal heights keep discovery order.
func Tree(points [][]float64, linkage Linkage) []Merge {
	n := len(points)
	if n < 2 {
		return nil
	}

	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			dist := floats.Distance(points[i], points[j], 2)
			if linkage == Ward {
				dist *= dist
			}
			d[i][j], d[j][i] = dist, dist
		}
	}

	size := make([]int, n)
	active := make([]bool, n)
	for i := range n {
		size[i] = 1
		active[i] = true
	}

	merges := make([]Merge, 0, n-1)
	chain := make([]int, 0, n)
	for remaining := n; remaining > 1; remaining-- {
		if len(chain) == 0 {
			for i := range n {
				if active[i] {
					chain = append(chain, i)
					break
				}
			}
		}

		var x, y int
		for {
			x = chain[len(chain)-1]
			prev := -1
			best, bestD := -1, math.Inf(1)
			if len(chain) > 1 {
				prev = chain[len(chain)-2]
				best, bestD = prev, d[x][prev]
			}
			for j := range n {
				if !active[j] || j == x {
					continue
				}
				if d[x][j] < bestD || (d[x][j] == bestD && best != prev && j < best) {
					best, bestD = j, d[x][j]
				}
			}
			if best == prev {
				y = prev
				break
			}
			chain = append(chain, best)
		}
		chain = chain[:len(chain)-2]

		a, b := min(x, y), max(x, y)
		height := d[a][b]
		if linkage == Ward {
			height = math.Sqrt(height)
		}
		merges = append(merges, Merge{A: a, B: b, Height: height})

		na, nb := float64(size[a]), float64(size[b])
		for j := range n {
			if !active[j] || j == a || j == b {
				continue
			}
			nj := float64(size[j])
			var nd float64
			switch linkage {
			case Single:
				nd = math.Min(d[a][j], d[b][j])
			case Complete:
				nd = math.Max(d[a][j], d[b][j])
			case Average:
				nd = (na*d[a][j] + nb*d[b][j]) / (na + nb)
			case Ward:
				nd = ((na+nj)*d[a][j] + (nb+nj)*d[b][j] - nj*d[a][b]) / (na + nb + nj)
			}
			d[a][j], d[j][a] = nd, nd
		}
		active[b] = false
		size[a] += size[b]
	}

	slices.SortStableFunc(merges, func(p, q Merge) int { return cmp.Compare(p.Height, q.Height) })
	return merges
}

// Cut applies the first n-k merges and returns dense labels numbered in
// order of first appearance.
func Cut(n int, merges []Merge, k int) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for _, m := range merges[:max(0, min(len(merges), n-k))] {
		ra, rb := find(m.A), find(m.B)
		if ra != rb {
			parent[max(ra, rb)] = min(ra, rb)
		}
	}

	labels := make([]int, n)
	ids := make(map[int]int)
	for i := range n {
		root := find(i)
		id, ok := ids[root]
		if !ok {
			id = len(ids)
			ids[root] = id
		}
		labels[i] = id
	}
	return labels
}

func toFloat64(vectors [][]float32) ([][]float64, error) {
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length embedding", ErrClustering)
	}
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrClustering, i, len(v), dim)
		}
		row := make([]float64, dim)
		for j, x := range v {
			f := float64(x)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: embedding %d has non-finite component %d", ErrClustering, i, j)
			}
			row[j] = f
		}
		out[i] = row
	}
	return out, nil
}
