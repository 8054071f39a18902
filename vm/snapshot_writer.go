package vm

import (
	"fmt"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Snapshot capture
// ---------------------------------------------------------------------------

// Snapshot serializes a context under a stop-the-world pause: the heap
// graph keyed by stable object ids, globals, counters, and every pending
// task continuation. Fails with ErrCollectionInProgress if the context's
// collector is mid-cycle.
func (rt *Runtime) Snapshot(id ContextID) (*Snapshot, error) {
	c, err := rt.contexts.Get(id)
	if err != nil {
		return nil, err
	}
	if err := rt.pause(PauseReasonSnapshot); err != nil {
		return nil, err
	}
	defer rt.safepoint.Release()

	if c.gc.InProgress() {
		return nil, ErrCollectionInProgress
	}

	w := &snapshotWriter{ctx: c, ids: make(map[*HeapObject]uint64)}
	snap, err := w.capture(rt)
	if err != nil {
		return nil, err
	}
	rt.log.Infof("snapshot of context %d: %d objects, %d tasks", id, len(w.ids), w.taskCount)
	return snap, nil
}

type snapshotWriter struct {
	ctx         *Context
	ids         map[*HeapObject]uint64
	funcIndexes []uint32
	taskCount   int
}

// flatten converts a live Value to its wire form, replacing heap pointers
// with stable object ids.
func (w *snapshotWriter) flatten(v Value) (wireValue, error) {
	switch {
	case v.IsNull():
		return wireValue{Kind: wireNull}, nil
	case v.IsBool():
		return wireValue{Kind: wireBool, Bool: v.Bool()}, nil
	case v.IsInt():
		return wireValue{Kind: wireInt, Int: v.Int32()}, nil
	case v.IsObject():
		id, ok := w.ids[v.heapObject()]
		if !ok {
			return wireValue{}, fmt.Errorf("%w: pointer outside context %d heap", ErrInvalidObjectRef, w.ctx.id)
		}
		return wireValue{Kind: wireRef, Ref: id}, nil
	default:
		return wireValue{Kind: wireFloat, Float: v.Float64()}, nil
	}
}

func (w *snapshotWriter) flattenAll(vs []Value) ([]wireValue, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	out := make([]wireValue, len(vs))
	for i, v := range vs {
		wv, err := w.flatten(v)
		if err != nil {
			return nil, err
		}
		out[i] = wv
	}
	return out, nil
}

func (w *snapshotWriter) capture(rt *Runtime) (*Snapshot, error) {
	c := w.ctx

	// Stable ids follow allocation-list order. Enumeration allocates only
	// in the id map, never on the captured heap.
	nextID := uint64(1)
	c.heap.ForEachAllocation(func(obj *HeapObject) {
		w.ids[obj] = nextID
		nextID++
	})

	heapSeg, typeIDs, err := w.captureHeap()
	if err != nil {
		return nil, err
	}
	tasksSeg, schedSeg, syncSeg, err := w.captureTasks(rt)
	if err != nil {
		return nil, err
	}
	metaSeg, err := w.captureMetadata(typeIDs)
	if err != nil {
		return nil, err
	}
	metaSeg.Functions = w.funcIndexes

	vmVersion, err := encodeVMVersion(Version)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Header: SnapshotHeader{
			FormatVersion: SnapshotFormatVersion,
			VMVersion:     vmVersion,
			Endianness:    snapshotEndianLittle,
			WordSize:      snapshotWordSize,
			CreatedAt:     uint64(time.Now().Unix()),
		},
		segments: make(map[uint8][]byte),
	}
	for tag, payload := range map[uint8]any{
		SegmentMetadata:        metaSeg,
		SegmentHeap:            heapSeg,
		SegmentTasks:           tasksSeg,
		SegmentScheduler:       schedSeg,
		SegmentSynchronization: syncSeg,
	} {
		b, err := snapshotEncMode.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode segment %d: %w", tag, err)
		}
		snap.segments[tag] = b
	}
	return snap, nil
}

func (w *snapshotWriter) captureHeap() (*heapSegment, map[TypeID]struct{}, error) {
	seg := &heapSegment{Objects: make([]wireObject, 0, len(w.ids))}
	typeIDs := make(map[TypeID]struct{})
	var walkErr error
	w.ctx.heap.ForEachAllocation(func(obj *HeapObject) {
		if walkErr != nil {
			return
		}
		typeIDs[obj.TypeID()] = struct{}{}
		wo := wireObject{ID: w.ids[obj], Type: uint32(obj.TypeID())}
		if n := obj.NumSlots(); n > 0 {
			wo.Slots = make([]wireValue, n)
			for i := 0; i < n; i++ {
				wv, err := w.flatten(obj.GetSlot(i))
				if err != nil {
					walkErr = err
					return
				}
				wo.Slots[i] = wv
			}
		}
		if b := obj.Bytes(); len(b) > 0 {
			wo.Bytes = append([]byte(nil), b...)
		}
		seg.Objects = append(seg.Objects, wo)
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}
	return seg, typeIDs, nil
}

func (w *snapshotWriter) captureMetadata(typeIDs map[TypeID]struct{}) (*metadataSegment, error) {
	c := w.ctx
	seg := &metadataSegment{
		ContextID:     uint64(c.id),
		Parent:        uint64(c.parent),
		MaxHeapBytes:  c.limits.MaxHeapBytes,
		UnlimitedHeap: c.limits.MaxHeapBytes == 0,
		MaxTasks:      c.limits.MaxTasks,
		MaxSteps:      c.limits.MaxSteps,
		GCThreshold:   c.gc.Threshold(),
		StepsExecuted: c.counters.StepsExecuted,
		Globals:       make(map[string]wireValue, len(c.globals)),
		Capabilities:  c.caps.Names(),
	}
	for name, v := range c.globals {
		wv, err := w.flatten(v)
		if err != nil {
			return nil, err
		}
		seg.Globals[name] = wv
	}
	for id := range typeIDs {
		info, err := c.heap.Types().Lookup(id)
		if err != nil {
			return nil, err
		}
		seg.Types = append(seg.Types, wireType{ID: uint32(info.ID), Name: info.Name})
	}
	sort.Slice(seg.Types, func(i, j int) bool { return seg.Types[i].ID < seg.Types[j].ID })
	return seg, nil
}

func (w *snapshotWriter) captureTasks(rt *Runtime) (*tasksSegment, *schedulerSegment, *synchronizationSegment, error) {
	c := w.ctx
	tasks := &tasksSegment{}
	sched := &schedulerSegment{NextTaskID: rt.sched.nextTaskID.Load()}
	sync := &synchronizationSegment{}
	funcs := make(map[uint32]struct{})

	ids := make([]TaskID, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		t := c.tasks[id]
		if t.terminal() {
			continue
		}
		locals, err := w.flattenAll(t.Cont.Locals)
		if err != nil {
			return nil, nil, nil, err
		}
		operands, err := w.flattenAll(t.Cont.Operands)
		if err != nil {
			return nil, nil, nil, err
		}
		state := t.State()
		wt := wireTask{
			ID:        uint64(t.id),
			State:     int32(state),
			Cancelled: t.Cancelled(),
			FuncIndex: t.Cont.FuncIndex,
			IP:        t.Cont.IP,
			Locals:    locals,
			Operands:  operands,
		}
		tasks.Tasks = append(tasks.Tasks, wt)
		funcs[t.Cont.FuncIndex] = struct{}{}
		w.taskCount++

		switch state {
		case TaskAwaiting:
			sync.Awaits = append(sync.Awaits, wireAwait{Task: uint64(t.id), Target: uint64(t.Awaiting())})
		case TaskBlocked:
			// Recorded in its semaphore's wait queue below.
		default:
			// A paused world has no mid-slice tasks; everything not
			// parked re-enters the run queue on restore.
			sched.Runnable = append(sched.Runnable, uint64(t.id))
		}
	}

	w.captureSemaphores(sync)

	// Record the function indexes the continuations need, for validation
	// before a restore touches any state.
	meta := make([]uint32, 0, len(funcs))
	for f := range funcs {
		meta = append(meta, f)
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i] < meta[j] })
	w.funcIndexes = meta
	return tasks, sched, sync, nil
}

// captureSemaphores records every semaphore of the context with its wait
// queue in FIFO order and any handed-over permits not yet consumed. The
// world is paused, so semaphore state is quiescent.
func (w *snapshotWriter) captureSemaphores(sync *synchronizationSegment) {
	c := w.ctx
	names := make([]string, 0, len(c.sems))
	for name := range c.sems {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sem := c.sems[name]
		ws := wireSemaphore{Name: sem.name, Permits: sem.max, Available: sem.available}
		for _, t := range sem.waiters {
			ws.Waiters = append(ws.Waiters, uint64(t.id))
		}
		for _, t := range c.tasks {
			if t.grant == sem && !t.terminal() {
				ws.Granted = append(ws.Granted, uint64(t.id))
			}
		}
		sort.Slice(ws.Granted, func(i, j int) bool { return ws.Granted[i] < ws.Granted[j] })
		sync.Semaphores = append(sync.Semaphores, ws)
	}
}
