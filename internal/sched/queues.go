package sched

import (
	"github.com/google/btree"
)

const queueDegree = 8

// byDeadline orders the EDF runnable queue: ascending absolute
// deadline, ties resolved by domain ID. The tie-break is mandatory:
// every local scheduler in a cohort must pop tickets in the identical
// order.
func byDeadline(a, b *Ticket) bool {
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return a.DomID() < b.DomID()
}

// byEarliestStart orders the activation queue: ascending earliest start
// time, ties resolved by domain ID.
func byEarliestStart(a, b *Ticket) bool {
	if a.EarliestStart != b.EarliestStart {
		return a.EarliestStart < b.EarliestStart
	}
	return a.DomID() < b.DomID()
}

// ticketQueue is an ordered set of tickets over one of the two key
// orders. It provides the container contract the local scheduler needs:
// O(log n) insert, remove-by-ref, and remove-min, plus a linear
// search-by-domain-id.
type ticketQueue struct {
	tree *btree.BTreeG[*Ticket]
}

func newEDFQueue() *ticketQueue {
	return &ticketQueue{tree: btree.NewG(queueDegree, byDeadline)}
}

func newActivationQueue() *ticketQueue {
	return &ticketQueue{tree: btree.NewG(queueDegree, byEarliestStart)}
}

func (q *ticketQueue) Len() int {
	return q.tree.Len()
}

func (q *ticketQueue) Empty() bool {
	return q.tree.Len() == 0
}

func (q *ticketQueue) Insert(t *Ticket) {
	q.tree.ReplaceOrInsert(t)
}

// Remove excises the given ticket; it reports whether the ticket was
// present, so the caller can keep the single-container invariant
// checkable.
func (q *ticketQueue) Remove(t *Ticket) bool {
	_, ok := q.tree.Delete(t)
	return ok
}

// Head returns the minimum ticket without removing it.
func (q *ticketQueue) Head() *Ticket {
	t, ok := q.tree.Min()
	if !ok {
		return nil
	}
	return t
}

// PopHead removes and returns the minimum ticket, or nil when empty.
func (q *ticketQueue) PopHead() *Ticket {
	t, ok := q.tree.DeleteMin()
	if !ok {
		return nil
	}
	return t
}

// SearchByDomain returns the ticket of the given domain, or nil.
func (q *ticketQueue) SearchByDomain(domid int32) *Ticket {
	var found *Ticket
	q.tree.Ascend(func(t *Ticket) bool {
		if t.DomID() == domid {
			found = t
			return false
		}
		return true
	})
	return found
}

// Ascend visits tickets in key order until fn returns false.
func (q *ticketQueue) Ascend(fn func(t *Ticket) bool) {
	q.tree.Ascend(fn)
}

// Drain removes every ticket, calling fn on each.
func (q *ticketQueue) Drain(fn func(t *Ticket)) {
	for {
		t, ok := q.tree.DeleteMin()
		if !ok {
			return
		}
		fn(t)
	}
}
