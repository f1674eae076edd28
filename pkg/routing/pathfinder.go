package routing

import (
	"container/heap"
)

// Path is the result of FindOptimalPath.
type Path struct {
	NodeIDs  []string
	Distance float64
	Cost     float64
}

type frontierItem struct {
	id   string
	cost float64
	seq  int // discovery order; lower wins ties
}

type frontier []frontierItem

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	if f[i].cost == f[j].cost {
		return f[i].seq < f[j].seq
	}
	return f[i].cost < f[j].cost
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(frontierItem)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}

// FindOptimalPath runs Dijkstra from startID to endID. It returns nil when
// either id is unknown or endID is unreachable. The graph is not modified.
func FindOptimalPath(g *Graph, startID, endID string) *Path {
	if g == nil {
		return nil
	}
	if _, ok := g.nodes[startID]; !ok {
		return nil
	}
	if _, ok := g.nodes[endID]; !ok {
		return nil
	}

	cost := map[string]float64{startID: 0}
	dist := map[string]float64{startID: 0}
	prev := make(map[string]string)
	settled := make(map[string]bool)

	seq := 0
	pq := &frontier{{id: startID, cost: 0, seq: seq}}

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(frontierItem)
		if settled[cur.id] {
			continue
		}
		settled[cur.id] = true
		if cur.id == endID {
			break
		}

		for _, e := range g.edges[cur.id] {
			if settled[e.To] {
				continue
			}
			c := cur.cost + e.Cost
			// strict improvement only, so the first-discovered route wins ties
			if known, ok := cost[e.To]; ok && c >= known {
				continue
			}
			cost[e.To] = c
			dist[e.To] = dist[cur.id] + e.Distance
			prev[e.To] = cur.id
			seq++
			heap.Push(pq, frontierItem{id: e.To, cost: c, seq: seq})
		}
	}

	if !settled[endID] {
		return nil
	}

	var ids []string
	for id := endID; ; id = prev[id] {
		ids = append(ids, id)
		if id == startID {
			break
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	return &Path{NodeIDs: ids, Distance: dist[endID], Cost: cost[endID]}
}
