package analysis

import (
	"container/heap"

	"taskgraph/internal/graph"
)

// TopoOrder returns every task with dependencies before dependents, using
// Kahn's algorithm. Ties among ready tasks break on priority then id, so the
// order is stable for a given snapshot. Nodes left over after the queue
// drains sit on a cycle, which the store never admits; they are reported as
// a GraphInvariantViolation rather than skipped.
func TopoOrder(snap *graph.Snapshot) ([]string, error) {
	ids := snap.TaskIDs()
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = len(snap.DependenciesOf(id))
	}

	ready := &readyQueue{snap: snap}
	for _, id := range ids {
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, dependent := range snap.DependentsOf(id) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &graph.GraphInvariantViolation{Nodes: stuck}
	}
	return order, nil
}

type readyQueue struct {
	snap *graph.Snapshot
	ids  []string
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	ri, rj := rank(q.snap, q.ids[i]), rank(q.snap, q.ids[j])
	if ri != rj {
		return ri < rj
	}
	return q.ids[i] < q.ids[j]
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x any) { q.ids = append(q.ids, x.(string)) }

func (q *readyQueue) Pop() any {
	old := q.ids
	n := len(old)
	id := old[n-1]
	q.ids = old[:n-1]
	return id
}
