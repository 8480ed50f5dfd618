// Package task implements a cooperative task executor for a single core.
//
// Tasks are explicit state machines: the executor polls them and they
// return quickly, reporting whether they have more work. There is no
// preemption and there are no per-task stacks. A task that is not ready
// arranges its own resumption by handing its Waker to an event source
// (typically an interrupt-fed queue) which wakes it when new data arrives.
package task

import (
	"sync/atomic"

	"marmotos/kernel"
	"marmotos/kernel/cpu"
)

// ID uniquely identifies a spawned task for the lifetime of the system.
type ID uint64

// Status is returned by Poll to report whether a task has more work.
type Status uint8

const (
	// StatusReady indicates the task has more work and expects to be
	// polled again once its waker fires.
	StatusReady Status = iota

	// StatusDone indicates the task has completed; the executor drops
	// its state and it is never polled again.
	StatusDone
)

// Task is a unit of cooperatively scheduled work. Poll must return
// quickly. A task returning StatusReady without having handed w to an
// event source that will eventually call Wake may sleep forever.
type Task interface {
	Poll(w *Waker) Status
}

const (
	maxTasks = 64

	// queueSize matches maxTasks; together with the queued flag this
	// guarantees waker pushes can never overflow the ready queue.
	queueSize = 64
)

var (
	errTooManyTasks = &kernel.Error{Module: "task", Message: "task table is full"}
	errQueueFull    = &kernel.Error{Module: "task", Message: "ready queue overflow"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	disableInterruptsFn  = cpu.DisableInterrupts
	enableInterruptsFn   = cpu.EnableInterrupts
	haltUntilInterruptFn = cpu.HaltUntilInterrupt
)

// Waker re-queues the task it was handed to. Event sources retain it and
// call Wake when data for the task arrives. Wake may only be called from
// an interrupt handler or with interrupts masked; it is idempotent while
// the task is already queued and a no-op once the task has completed.
type Waker struct {
	exec *Executor
	slot *taskSlot
}

// Wake marks the task ready and pushes it onto the executor ready queue.
func (w *Waker) Wake() {
	w.exec.wake(w.slot)
}

type taskSlot struct {
	id     ID
	index  uint8
	task   Task
	waker  Waker
	queued bool
	live   bool
}

// Executor schedules tasks over a fixed-size task table and a fixed ready
// queue. All ready queue access runs with interrupts masked; wakers rely
// on interrupt handlers already running masked.
type Executor struct {
	nextID uint64

	slots [maxTasks]taskSlot

	ready      [queueSize]uint8
	readyHead  uint32
	readyCount uint32
}

// NewExecutor returns an executor with an empty task table.
func NewExecutor() *Executor {
	return &Executor{}
}

// Spawn registers t, assigns it a fresh id and enqueues it for its first
// poll. It returns errTooManyTasks when the task table is full and
// errQueueFull when the ready queue cannot accept the task.
func (e *Executor) Spawn(t Task) (ID, *kernel.Error) {
	var slot *taskSlot
	for i := range e.slots {
		if !e.slots[i].live {
			slot = &e.slots[i]
			slot.index = uint8(i)
			break
		}
	}
	if slot == nil {
		return 0, errTooManyTasks
	}

	slot.id = ID(atomic.AddUint64(&e.nextID, 1))
	slot.task = t
	slot.live = true
	slot.waker = Waker{exec: e, slot: slot}

	disableInterruptsFn()
	ok := e.pushReady(slot.index)
	if ok {
		slot.queued = true
	} else {
		slot.live = false
		slot.task = nil
	}
	enableInterruptsFn()

	if !ok {
		return 0, errQueueFull
	}

	return slot.id, nil
}

// Run drives the executor loop and does not return under normal
// operation. When the ready queue is empty the emptiness check and the
// halt happen inside one masked critical section; HaltUntilInterrupt
// re-enables interrupts in the same instruction pair as the halt so a
// wake delivered between the check and the halt still terminates it.
func (e *Executor) Run() *kernel.Error {
	for {
		disableInterruptsFn()
		slot, ok := e.popReady()
		if !ok {
			haltUntilInterruptFn()
			continue
		}
		enableInterruptsFn()

		if slot.task.Poll(&slot.waker) == StatusDone {
			slot.task = nil
			slot.live = false
		}
	}
}

// wake re-queues a task slot. Duplicate wakes while the task is queued
// and wakes for completed tasks are no-ops.
func (e *Executor) wake(s *taskSlot) {
	if s == nil || !s.live || s.queued {
		return
	}

	s.queued = true
	e.pushReady(s.index)
}

func (e *Executor) pushReady(index uint8) bool {
	if e.readyCount == queueSize {
		return false
	}

	e.ready[(e.readyHead+e.readyCount)%queueSize] = index
	e.readyCount++

	return true
}

func (e *Executor) popReady() (*taskSlot, bool) {
	if e.readyCount == 0 {
		return nil, false
	}

	slot := &e.slots[e.ready[e.readyHead]]
	e.readyHead = (e.readyHead + 1) % queueSize
	e.readyCount--
	slot.queued = false

	return slot, true
}
