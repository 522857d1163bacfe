package queue

import (
	"container/list"
	"slices"
)

// group is the ordered membership of one message group.
type group struct {
	key string

	// ids holds the group's non-terminal messages in enqueue order. Only
	// ids[0] may be delivered.
	ids []string

	// holder is the id currently in flight, empty while the group is
	// unlocked.
	holder string

	elem *list.Element
}

func (g *group) locked() bool { return g.holder != "" }

// groups coordinates delivery on ordering-enabled queues: one in-flight
// message per group, head of group only, groups served round-robin.
// Callers hold the queue lock.
type groups struct {
	byKey map[string]*group
	order *list.List // *group, next to serve at the front
}

func newGroups() *groups {
	return &groups{byKey: make(map[string]*group), order: list.New()}
}

// add appends id to the tail of its group, creating the group if needed.
func (gs *groups) add(key, id string) {
	g, ok := gs.byKey[key]
	if !ok {
		g = &group{key: key}
		g.elem = gs.order.PushBack(g)
		gs.byKey[key] = g
	}
	g.ids = append(g.ids, id)
}

// remove drops id from its group, unlocking the group if id held it.
// Empty groups are forgotten. When id was the head of the group it returns
// the id that is now deliverable in its place, or "" if there is none.
func (gs *groups) remove(key, id string) string {
	g, ok := gs.byKey[key]
	if !ok {
		return ""
	}
	i := slices.Index(g.ids, id)
	if i >= 0 {
		g.ids = slices.Delete(g.ids, i, i+1)
	}
	if g.holder == id {
		g.holder = ""
	}
	if len(g.ids) == 0 {
		gs.order.Remove(g.elem)
		delete(gs.byKey, key)
		return ""
	}
	if i != 0 || g.locked() {
		return ""
	}
	return g.ids[0]
}

// lock marks id as the group's in-flight message and moves the group to the
// back of the round-robin order.
func (gs *groups) lock(key, id string) {
	g, ok := gs.byKey[key]
	if !ok {
		return
	}
	g.holder = id
	gs.order.MoveToBack(g.elem)
}

// unlock releases the group if id holds it.
func (gs *groups) unlock(key, id string) {
	if g, ok := gs.byKey[key]; ok && g.holder == id {
		g.holder = ""
	}
}

// deliverable reports whether id is the unlocked head of its group.
func (gs *groups) deliverable(key, id string) bool {
	g, ok := gs.byKey[key]
	return ok && !g.locked() && len(g.ids) > 0 && g.ids[0] == id
}

// heads returns the head ids of unlocked groups in round-robin order.
func (gs *groups) heads() []string {
	out := make([]string, 0, gs.order.Len())
	for e := gs.order.Front(); e != nil; e = e.Next() {
		g := e.Value.(*group)
		if !g.locked() && len(g.ids) > 0 {
			out = append(out, g.ids[0])
		}
	}
	return out
}

func (gs *groups) len() int { return len(gs.byKey) }

func (gs *groups) lockedCount() int {
	n := 0
	for _, g := range gs.byKey {
		if g.locked() {
			n++
		}
	}
	return n
}
