// Package fleet computes how many workers each host should run.
package fleet

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// WorkerTask is the task name counted and spawned by the rebalancer.
const WorkerTask = "worker"

// NameLength is the number of distinct lowercase letters in a worker name.
const NameLength = 16

// Host is a daemon and its number of running workers.
type Host struct {
	Name  string `json:"host"`
	Count int    `json:"count"`
}

// Total sums the counts of hosts.
func Total(hosts []Host) int {
	n := 0
	for _, h := range hosts {
		n += h.Count
	}
	return n
}

// Rebalance returns new per-host counts summing to target, in the input
// order. Each of |total-target| steps moves one worker on the current
// extreme host: the least loaded one when adding, the most loaded one when
// removing. The adjusted host is re-inserted after hosts with the same
// count, so consecutive steps rotate over equally loaded hosts. Initial ties
// are broken by host name.
func Rebalance(hosts []Host, target int) ([]Host, error) {
	if target < 0 {
		return nil, fmt.Errorf("negative target %d", target)
	}
	out := append([]Host(nil), hosts...)
	total := Total(hosts)
	if total == target || len(hosts) == 0 {
		if total != target {
			return nil, fmt.Errorf("no hosts to place %d workers on", target)
		}
		return out, nil
	}
	dir := 1
	if total > target {
		dir = -1
	}
	// before reports whether count a sorts ahead of b for this direction.
	before := func(a, b int) bool {
		if dir > 0 {
			return a < b
		}
		return a > b
	}

	work := make([]int, len(out)) // indexes into out, kept sorted
	for i := range work {
		work[i] = i
	}
	sort.SliceStable(work, func(i, j int) bool {
		a, b := out[work[i]], out[work[j]]
		if a.Count != b.Count {
			return before(a.Count, b.Count)
		}
		return a.Name < b.Name
	})

	for steps := abs(total - target); steps > 0; steps-- {
		idx := work[0]
		out[idx].Count += dir
		rest := work[1:]
		pos := sort.Search(len(rest), func(i int) bool {
			return before(out[idx].Count, out[rest[i]].Count)
		})
		copy(work, rest[:pos])
		work[pos] = idx
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Worker is a running worker on the local host.
type Worker struct {
	PID  int
	Name string
}

// Plan is what a host must do to reach its worker count.
type Plan struct {
	Spawn []string // names of new workers
	Stop  []int    // pids of running workers to stop
}

// PlanLocal decides how to bring running to num workers. Victims are
// sampled at random; new names are distinct from each other and from the
// running workers' names.
func PlanLocal(running []Worker, num int, rng *rand.Rand) (Plan, error) {
	if num < 0 {
		return Plan{}, fmt.Errorf("negative worker count %d", num)
	}
	var p Plan
	switch {
	case len(running) > num:
		pids := make([]int, len(running))
		for i, w := range running {
			pids[i] = w.PID
		}
		p.Stop = PickVictims(pids, len(running)-num, rng)
	case len(running) < num:
		used := make(map[string]bool, len(running))
		for _, w := range running {
			used[w.Name] = true
		}
		p.Spawn = NewNames(used, num-len(running), rng)
	}
	return p, nil
}

// PickVictims returns n distinct pids sampled from pids.
func PickVictims(pids []int, n int, rng *rand.Rand) []int {
	if n > len(pids) {
		n = len(pids)
	}
	shuffled := append([]int(nil), pids...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	out := shuffled[:n]
	sort.Ints(out)
	return out
}

// NewNames returns n distinct names not present in used. used is not
// modified.
func NewNames(used map[string]bool, n int, rng *rand.Rand) []string {
	taken := make(map[string]bool, len(used)+n)
	for k := range used {
		taken[k] = true
	}
	out := make([]string, 0, n)
	for len(out) < n {
		name := RandomName(rng)
		if taken[name] {
			continue
		}
		taken[name] = true
		out = append(out, name)
	}
	return out
}

// RandomName returns NameLength distinct lowercase letters in random order.
func RandomName(rng *rand.Rand) string {
	letters := []byte("abcdefghijklmnopqrstuvwxyz")
	rng.Shuffle(len(letters), func(i, j int) { letters[i], letters[j] = letters[j], letters[i] })
	return string(letters[:NameLength])
}
