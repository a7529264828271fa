package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/czy880816/norbert/src/core"
)

// Rand is the minimal PRNG surface RepairDuplicates needs, letting callers
// inject a deterministic source for tests (spec §9 "expose the PRNG as an
// injected dependency for deterministic testing").
type Rand interface {
	Intn(n int) int
}

var (
	defaultRandMu sync.Mutex
	defaultRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// lockedRand serializes access to the package-wide PRNG, since *rand.Rand
// is not safe for concurrent use and the core is explicitly multi-threaded
// (spec §5 "the random source used in ReplicaConsistency is process-wide;
// its concurrent use must be safe").
type lockedRand struct{}

func (lockedRand) Intn(n int) int {
	defaultRandMu.Lock()
	defer defaultRandMu.Unlock()
	return defaultRand.Intn(n)
}

// DefaultRand is the process-wide PRNG used when RepairDuplicates is
// called without an explicit one.
var DefaultRand Rand = lockedRand{}

// RepairDuplicates detects partitions assigned to more than one node in
// assignment and deterministically repairs the conflict: a partition
// claimed by exactly one node keeps it, a partition claimed by several is
// handed to one candidate chosen uniformly at random via rng. The result
// is a function — each partition number maps to exactly one node — and its
// union of partitions equals the input's union.
func RepairDuplicates(assignment map[core.Node]map[int]struct{}, rng Rand, logger core.Logger) map[core.Node]map[int]struct{} {
	if rng == nil {
		rng = DefaultRand
	}
	if logger == nil {
		logger = core.NopLogger{}
	}

	claimants := make(map[int][]core.Node)
	for node, partitions := range assignment {
		for p := range partitions {
			claimants[p] = append(claimants[p], node)
		}
	}

	out := make(map[core.Node]map[int]struct{}, len(assignment))
	for partition, nodes := range claimants {
		var winner core.Node
		if len(nodes) == 1 {
			winner = nodes[0]
		} else {
			// Candidates must be ordered deterministically before indexing
			// with rng: range over assignment (a map) already scrambled
			// their order, and an injected-but-deterministic rng is only as
			// reproducible as the sequence it's asked to choose from.
			sort.Slice(nodes, func(i, j int) bool {
				if nodes[i].ID != nodes[j].ID {
					return nodes[i].ID < nodes[j].ID
				}
				return nodes[i].Address < nodes[j].Address
			})
			logger.Warn("replica consistency: duplicate partition assignment", "partition", partition, "candidates", len(nodes))
			winner = nodes[rng.Intn(len(nodes))]
		}
		if out[winner] == nil {
			out[winner] = make(map[int]struct{})
		}
		out[winner][partition] = struct{}{}
	}
	return out
}
