package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Snapshot restore
// ---------------------------------------------------------------------------

// RestoreOptions configures a restore. Capability implementations are host
// code and never serialized; the snapshot records only the names the
// original context held, and the restored context gets exactly the grants
// supplied here.
type RestoreOptions struct {
	Capabilities []Capability
}

// Restore materializes a new context from a snapshot: objects are
// reallocated in stable-id order, ids rewritten into live pointers, and
// pending task continuations re-entered into the scheduler. All-or-nothing:
// a failure at any point leaves no partially constructed context
// registered. The restored context gets a fresh id.
func (rt *Runtime) Restore(snap *Snapshot, opts RestoreOptions) (*Context, error) {
	var meta metadataSegment
	if err := snap.decodeSegment(SegmentMetadata, &meta); err != nil {
		return nil, err
	}
	var heapSeg heapSegment
	if err := snap.decodeSegment(SegmentHeap, &heapSeg); err != nil {
		return nil, err
	}
	var tasksSeg tasksSegment
	if err := snap.decodeSegment(SegmentTasks, &tasksSeg); err != nil {
		return nil, err
	}
	var schedSeg schedulerSegment
	if err := snap.decodeSegment(SegmentScheduler, &schedSeg); err != nil {
		return nil, err
	}
	var syncSeg synchronizationSegment
	if err := snap.decodeSegment(SegmentSynchronization, &syncSeg); err != nil {
		return nil, err
	}

	// Validate everything the restored context depends on before any
	// state is built.
	for _, wt := range meta.Types {
		info, err := rt.types.Lookup(TypeID(wt.ID))
		if err != nil {
			return nil, err
		}
		if info.Name != wt.Name {
			return nil, fmt.Errorf("%w: type %d is %q here, snapshot says %q", ErrIncompatibleVersion, wt.ID, info.Name, wt.Name)
		}
	}
	bodies := make(map[uint32]TaskBody, len(meta.Functions))
	for _, f := range meta.Functions {
		body, err := rt.lookupFunction(f)
		if err != nil {
			return nil, err
		}
		bodies[f] = body
	}

	r := &snapshotReader{rt: rt, values: make(map[uint64]Value, len(heapSeg.Objects))}
	c, err := r.build(&meta, &heapSeg, &tasksSeg, &syncSeg, bodies, opts)
	if err != nil {
		if r.ctx != nil {
			r.ctx.heap.release()
		}
		return nil, err
	}

	// The context becomes visible only now, fully built; tasks re-enter
	// the scheduler after that so workers always find their context.
	rt.contexts.insert(c)
	rt.sched.restoreTaskID(TaskID(schedSeg.NextTaskID))
	for _, a := range syncSeg.Awaits {
		t, ok := c.Task(TaskID(a.Task))
		if !ok {
			continue
		}
		if _, live := c.Task(TaskID(a.Target)); live {
			rt.sched.restoreWaiter(c.ID(), TaskID(a.Target), t)
		} else {
			rt.sched.resume(t)
		}
	}
	for _, id := range schedSeg.Runnable {
		if t, ok := c.Task(TaskID(id)); ok {
			rt.sched.resume(t)
		}
	}
	rt.log.Infof("restored context %d from snapshot of context %d: %d objects, %d tasks",
		c.ID(), meta.ContextID, len(heapSeg.Objects), len(tasksSeg.Tasks))
	return c, nil
}

type snapshotReader struct {
	rt     *Runtime
	ctx    *Context
	values map[uint64]Value // stable id -> restored pointer
}

// thaw converts a wire value back to a live Value against the restored
// heap.
func (r *snapshotReader) thaw(wv wireValue) (Value, error) {
	switch wv.Kind {
	case wireNull:
		return Null, nil
	case wireBool:
		return FromBool(wv.Bool), nil
	case wireInt:
		return FromInt32(wv.Int), nil
	case wireFloat:
		return FromFloat64(wv.Float), nil
	case wireRef:
		v, ok := r.values[wv.Ref]
		if !ok {
			return Null, fmt.Errorf("%w: dangling object id %d", ErrCorruptedSnapshot, wv.Ref)
		}
		return v, nil
	default:
		return Null, fmt.Errorf("%w: value kind %d", ErrCorruptedSnapshot, wv.Kind)
	}
}

func (r *snapshotReader) thawAll(wvs []wireValue) ([]Value, error) {
	if len(wvs) == 0 {
		return nil, nil
	}
	out := make([]Value, len(wvs))
	for i, wv := range wvs {
		v, err := r.thaw(wv)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *snapshotReader) build(meta *metadataSegment, heapSeg *heapSegment, tasksSeg *tasksSegment, syncSeg *synchronizationSegment, bodies map[uint32]TaskBody, opts RestoreOptions) (*Context, error) {
	rt := r.rt
	c := newContext(rt.contexts.reserve(), rt, ContextOptions{
		MaxHeapBytes:  meta.MaxHeapBytes,
		UnlimitedHeap: meta.UnlimitedHeap,
		MaxTasks:      meta.MaxTasks,
		MaxSteps:      meta.MaxSteps,
		GCThreshold:   meta.GCThreshold,
		Capabilities:  opts.Capabilities,
		Parent:        ContextID(meta.Parent),
	})
	r.ctx = c

	// Pass one: allocate every object with null slots so forward and
	// cyclic references have a target.
	for _, wo := range heapSeg.Objects {
		blank := make([]Value, len(wo.Slots))
		for i := range blank {
			blank[i] = Null
		}
		v, err := c.heap.Allocate(TypeID(wo.Type), blank, wo.Bytes)
		if err != nil {
			return nil, err
		}
		if _, dup := r.values[wo.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate object id %d", ErrCorruptedSnapshot, wo.ID)
		}
		r.values[wo.ID] = v
	}

	// Pass two: rewrite ids into live pointers.
	for _, wo := range heapSeg.Objects {
		obj := r.values[wo.ID].heapObject()
		for i, wv := range wo.Slots {
			v, err := r.thaw(wv)
			if err != nil {
				return nil, err
			}
			obj.SetSlot(i, v)
		}
	}

	for name, wv := range meta.Globals {
		v, err := r.thaw(wv)
		if err != nil {
			return nil, err
		}
		c.globals[name] = v
	}
	c.counters.StepsExecuted = meta.StepsExecuted
	c.counters.HeapBytesUsed = c.heap.UsedBytes()

	awaits := make(map[TaskID]TaskID, len(syncSeg.Awaits))
	for _, a := range syncSeg.Awaits {
		awaits[TaskID(a.Task)] = TaskID(a.Target)
	}

	for _, wt := range tasksSeg.Tasks {
		locals, err := r.thawAll(wt.Locals)
		if err != nil {
			return nil, err
		}
		operands, err := r.thawAll(wt.Operands)
		if err != nil {
			return nil, err
		}
		body, ok := bodies[wt.FuncIndex]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, wt.FuncIndex)
		}
		t := newTask(TaskID(wt.ID), c.id, Continuation{
			FuncIndex: wt.FuncIndex,
			IP:        wt.IP,
			Locals:    locals,
			Operands:  operands,
		}, body)
		if wt.Cancelled {
			t.Cancel()
		}
		if err := c.addTask(t); err != nil {
			return nil, err
		}
		if target, ok := awaits[t.id]; ok {
			t.Await(target)
		}
	}

	// Semaphores come back with their wait queues; parked tasks stay off
	// the run queue until a release hands them a permit.
	for _, ws := range syncSeg.Semaphores {
		sem := &Semaphore{name: ws.Name, ctx: c, max: ws.Permits, available: ws.Available}
		for _, id := range ws.Waiters {
			t, ok := c.tasks[TaskID(id)]
			if !ok {
				continue
			}
			t.state.Store(int32(TaskBlocked))
			t.blockedOn = sem
			sem.waiters = append(sem.waiters, t)
		}
		for _, id := range ws.Granted {
			if t, ok := c.tasks[TaskID(id)]; ok {
				t.grant = sem
			}
		}
		c.sems[ws.Name] = sem
	}
	return c, nil
}
