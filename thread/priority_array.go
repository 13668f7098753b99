// Package thread implements the cooperative uniprocessor thread core: a
// per-priority ready set, the thread control block, and the scheduler that
// dispatches between them.
package thread

import (
	"fmt"
	"log/slog"

	"github.com/Workiva/go-datastructures/bitarray"

	"github.com/losgopheros/nachos-go/internal/kassert"
	"github.com/losgopheros/nachos-go/internal/klog"
)

// MaxPriority bounds the ready set's level count. The niceable range
// [-20, 20) maps to priority [100, 140); levels below 100 are reserved for
// future kernel-internal priorities, matching the original's prio_array.hh.
const MaxPriority = 140

// PriorityArray is a ring of FIFO queues, one per priority level, plus a
// bitmap of which levels are non-empty so Pop can find the highest-priority
// (lowest-indexed) non-empty level without scanning every queue.
//
// It is not safe for concurrent use on its own: the scheduler's mutex is
// the thing that makes "touched only with interrupts disabled" true, the
// same way PriorityArray has no locking in the original C++ (prio_array.cc)
// and relies on its caller serializing access.
type PriorityArray[T comparable] struct {
	levels    [][]T
	occupancy bitarray.BitArray
	count     int
	log       *slog.Logger
}

// New builds an empty PriorityArray with levels [0, MaxPriority).
func New[T comparable](log *slog.Logger) *PriorityArray[T] {
	if log == nil {
		log = klog.Discard()
	}
	return &PriorityArray[T]{
		levels:    make([][]T, MaxPriority),
		occupancy: bitarray.NewBitArray(MaxPriority),
		log:       log,
	}
}

// Append adds item to the tail of level p and marks the level occupied.
func (pa *PriorityArray[T]) Append(item T, p int) {
	kassert.Require(pa.log, p >= 0 && p < MaxPriority, "priority %d out of range", p)
	pa.levels[p] = append(pa.levels[p], item)
	pa.count++
	err := pa.occupancy.SetBit(uint64(p))
	kassert.Require(pa.log, err == nil, "priority array: SetBit(%d): %v", p, err)
}

// Pop removes and returns the head of the lowest-indexed non-empty level.
func (pa *PriorityArray[T]) Pop() (T, bool) {
	var zero T
	set := pa.occupancy.ToNums()
	if len(set) == 0 {
		return zero, false
	}
	p := lowest(set)
	queue := pa.levels[p]
	item := queue[0]
	pa.levels[p] = queue[1:]
	pa.count--
	if len(pa.levels[p]) == 0 {
		err := pa.occupancy.ClearBit(p)
		kassert.Require(pa.log, err == nil, "priority array: ClearBit(%d): %v", p, err)
	}
	return item, true
}

// Remove deletes a specific item from level p, needed when reprioritizing
// a thread that is already in the ready set. Reports whether item was found.
func (pa *PriorityArray[T]) Remove(item T, p int) bool {
	kassert.Require(pa.log, p >= 0 && p < MaxPriority, "priority %d out of range", p)
	queue := pa.levels[p]
	for i, v := range queue {
		if v == item {
			pa.levels[p] = append(queue[:i:i], queue[i+1:]...)
			pa.count--
			if len(pa.levels[p]) == 0 {
				err := pa.occupancy.ClearBit(uint64(p))
				kassert.Require(pa.log, err == nil, "priority array: ClearBit(%d): %v", p, err)
			}
			return true
		}
	}
	return false
}

// IsEmpty reports whether every level is empty.
func (pa *PriorityArray[T]) IsEmpty() bool { return pa.count == 0 }

// Print logs a one-line summary of which levels are occupied, at Debug.
func (pa *PriorityArray[T]) Print() {
	pa.log.Debug("priority array state", "occupiedLevels", pa.occupancy.ToNums(), "total", pa.count)
}

func lowest(nums []uint64) uint64 {
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return m
}

func (pa *PriorityArray[T]) String() string {
	return fmt.Sprintf("PriorityArray{levels=%d, count=%d}", len(pa.levels), pa.count)
}
