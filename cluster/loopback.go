// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package cluster

import (
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-process Bridge connecting several nodes in the same
// process. It exists for tests and single-process deployments; real
// deployments supply a Bridge backed by their cluster transport.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]Handler
}

// NewLoopback returns an empty loopback bridge.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]Handler)}
}

// Register adds a node to the bridge and returns the Bridge that node should
// use to originate events.
// Events broadcast by other nodes are applied by calling h.
func (l *Loopback) Register(node string, h Handler) Bridge {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[node] = h
	return &loopbackNode{bridge: l, id: node}
}

// Unregister removes a node from the bridge.
func (l *Loopback) Unregister(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, node)
}

func (l *Loopback) broadcastFrom(origin string, ev Event) error {
	l.mu.RLock()
	handlers := make(map[string]Handler, len(l.nodes))
	for id, h := range l.nodes {
		handlers[id] = h
	}
	l.mu.RUnlock()

	ev.Node = origin
	var firstErr error
	for id, h := range handlers {
		if id == origin {
			continue
		}
		if err := h(context.Background(), ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Loopback) callFrom(ctx context.Context, origin, node string, ev Event) (Event, error) {
	l.mu.RLock()
	h, ok := l.nodes[node]
	l.mu.RUnlock()
	if !ok {
		return Event{}, fmt.Errorf("cluster: unknown node %q", node)
	}
	ev.Node = origin
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if err := h(ctx, ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// loopbackNode is the Bridge handed to a single registered node.
type loopbackNode struct {
	bridge *Loopback
	id     string
}

// Broadcast satisfies Bridge.
func (n *loopbackNode) Broadcast(ev Event) error {
	return n.bridge.broadcastFrom(n.id, ev)
}

// Call satisfies Bridge.
func (n *loopbackNode) Call(ctx context.Context, node string, ev Event) (Event, error) {
	return n.bridge.callFrom(ctx, n.id, node, ev)
}
