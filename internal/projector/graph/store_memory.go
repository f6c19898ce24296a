package graph

import (
	"context"
	"sync"
)

type memNode struct {
	node    Node
	deleted bool
}

// MemoryStore implements Store (and AtomicWriter: every mutation happens
// under one lock, so readers see node and edges move together). Deleted
// nodes stay as tombstones carrying the delete's timestamp. Backs unit
// tests and single-process runs.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]memNode
	out   map[string][]Edge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]memNode),
		out:   make(map[string][]Edge),
	}
}

func (s *MemoryStore) UpsertNode(ctx context.Context, n Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.nodes[n.ID]; ok && cur.node.TS > n.TS {
		return false, nil
	}
	s.nodes[n.ID] = memNode{node: n}
	return true, nil
}

func (s *MemoryStore) ReplaceEdges(ctx context.Context, nodeID string, edges []Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceEdgesLocked(nodeID, edges)
	return nil
}

func (s *MemoryStore) replaceEdgesLocked(nodeID string, edges []Edge) {
	if len(edges) == 0 {
		delete(s.out, nodeID)
		return
	}
	s.out[nodeID] = append([]Edge(nil), edges...)
}

func (s *MemoryStore) UpsertWithEdges(ctx context.Context, n Node, edges []Edge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.nodes[n.ID]; ok && cur.node.TS > n.TS {
		return false, nil
	}
	s.nodes[n.ID] = memNode{node: n}
	s.replaceEdgesLocked(n.ID, edges)
	return true, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, nodeID string, ts int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.nodes[nodeID]; ok && cur.node.TS > ts {
		return false, nil
	}
	s.nodes[nodeID] = memNode{node: Node{ID: nodeID, TS: ts}, deleted: true}
	delete(s.out, nodeID)
	for from, edges := range s.out {
		kept := edges[:0]
		for _, e := range edges {
			if e.To != nodeID {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.out, from)
		} else {
			s.out[from] = kept
		}
	}
	return true, nil
}

func (s *MemoryStore) Node(ctx context.Context, nodeID string) (Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.nodes[nodeID]
	if !ok || cur.deleted {
		return Node{}, false, nil
	}
	return cur.node, true, nil
}

// Edges returns the outgoing edge set of a node. Test helper.
func (s *MemoryStore) Edges(nodeID string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Edge(nil), s.out[nodeID]...)
}
