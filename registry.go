// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package muchost

import (
	"sort"
	"sync"
	"sync/atomic"

	"mellium.im/xmpp/jid"
)

// occupantRegistry indexes the live occupant sessions of a room three ways:
// by normalized nickname, by bare JID, and by full JID.
//
// Reads are lock free so that the lookups performed on every inbound packet
// never contend with joins. All mutations happen under the room write lock,
// which keeps the three indices mutually consistent; slice values are
// replaced copy-on-write so that a concurrent reader always observes a
// consistent snapshot.
type occupantRegistry struct {
	byNickIdx sync.Map // nick key -> []*Occupant
	byBareIdx sync.Map // bare JID string -> []*Occupant
	byFullIdx sync.Map // full JID string -> *Occupant
	n         atomic.Int64
}

func (reg *occupantRegistry) byFull(addr jid.JID) (*Occupant, error) {
	v, ok := reg.byFullIdx.Load(addr.String())
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Occupant), nil
}

// byNick looks up occupants by normalized nickname key.
// All returned occupants share a bare JID.
func (reg *occupantRegistry) byNick(key string) ([]*Occupant, error) {
	v, ok := reg.byNickIdx.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	occs := v.([]*Occupant)
	if len(occs) == 0 {
		return nil, ErrNotFound
	}
	return occs, nil
}

func (reg *occupantRegistry) byBare(addr jid.JID) []*Occupant {
	v, ok := reg.byBareIdx.Load(addr.Bare().String())
	if !ok {
		return nil
	}
	return v.([]*Occupant)
}

// all returns every occupant, sorted by room address for stable iteration.
func (reg *occupantRegistry) all() []*Occupant {
	var occs []*Occupant
	reg.byFullIdx.Range(func(_, v any) bool {
		occs = append(occs, v.(*Occupant))
		return true
	})
	sort.Slice(occs, func(i, j int) bool {
		return occs[i].Addr().String() < occs[j].Addr().String()
	})
	return occs
}

func (reg *occupantRegistry) len() int {
	return int(reg.n.Load())
}

// add registers an occupant in all three indices.
// The caller must hold the room write lock and must already have checked the
// nickname collision rule.
func (reg *occupantRegistry) add(occ *Occupant) {
	full := occ.RealJID().String()
	if _, loaded := reg.byFullIdx.Load(full); loaded {
		return
	}
	reg.byFullIdx.Store(full, occ)
	appendIdx(&reg.byNickIdx, occ.nickKey(), occ)
	appendIdx(&reg.byBareIdx, occ.RealJID().Bare().String(), occ)
	reg.n.Add(1)
}

// remove deregisters an occupant from all three indices.
// The caller must hold the room write lock.
func (reg *occupantRegistry) remove(occ *Occupant) {
	full := occ.RealJID().String()
	if _, ok := reg.byFullIdx.Load(full); !ok {
		return
	}
	reg.byFullIdx.Delete(full)
	removeIdx(&reg.byNickIdx, occ.nickKey(), occ)
	removeIdx(&reg.byBareIdx, occ.RealJID().Bare().String(), occ)
	reg.n.Add(-1)
}

func appendIdx(m *sync.Map, key string, occ *Occupant) {
	var occs []*Occupant
	if v, ok := m.Load(key); ok {
		old := v.([]*Occupant)
		occs = make([]*Occupant, 0, len(old)+1)
		occs = append(occs, old...)
	}
	m.Store(key, append(occs, occ))
}

func removeIdx(m *sync.Map, key string, occ *Occupant) {
	v, ok := m.Load(key)
	if !ok {
		return
	}
	old := v.([]*Occupant)
	occs := make([]*Occupant, 0, len(old))
	for _, o := range old {
		if o != occ {
			occs = append(occs, o)
		}
	}
	if len(occs) == 0 {
		m.Delete(key)
		return
	}
	m.Store(key, occs)
}
