package task

// A delegate is any value implementing zero or more of the observer
// interfaces below. Every method is optional: the task discovers what the
// delegate supports by type assertion, and a nil delegate receives nothing.

// StartObserver is told when a task leaves Pending.
type StartObserver interface {
	TaskDidStart(t Task)
}

// CompletionObserver receives failure and cancellation of any task kind.
// err wraps ErrCancelled for cancellations.
type CompletionObserver interface {
	TaskDidCompleteWithError(t Task, err error)
}

// ProgressObserver receives one call per chunk written by a read task.
// totalExpected is -1 when the remote size is unknown.
type ProgressObserver interface {
	ReadTaskDidWriteBytes(t *ReadTask, written, totalReceived, totalExpected int64)
}

// FinishObserver receives the finalized result of a read task. The result
// path is authoritative: it may differ from the requested destination name.
type FinishObserver interface {
	ReadTaskDidFinishDownloading(t *ReadTask, r Result)
}

// SuspendObserver acknowledges that a read task stopped at offset.
type SuspendObserver interface {
	ReadTaskDidSuspend(t *ReadTask, offset, totalExpected int64)
}

// ResumeObserver acknowledges that a read task continues from offset.
type ResumeObserver interface {
	ReadTaskDidResume(t *ReadTask, offset, totalExpected int64)
}

// DeleteObserver is told when a delete task removed its remote file.
type DeleteObserver interface {
	DeleteTaskDidFinish(t *DeleteTask)
}

func notifyDelegate(d any, tk Task, ev Event) {
	if d == nil {
		return
	}
	switch ev.Type {
	case EventStart:
		if o, ok := d.(StartObserver); ok {
			o.TaskDidStart(tk)
		}
	case EventFailed, EventCancelled:
		if o, ok := d.(CompletionObserver); ok {
			o.TaskDidCompleteWithError(tk, ev.Err)
		}
	case EventComplete:
		switch t := tk.(type) {
		case *ReadTask:
			if o, ok := d.(FinishObserver); ok && ev.Result != nil {
				o.ReadTaskDidFinishDownloading(t, *ev.Result)
			}
		case *DeleteTask:
			if o, ok := d.(DeleteObserver); ok {
				o.DeleteTaskDidFinish(t)
			}
		}
	case EventProgress:
		rt, isRead := tk.(*ReadTask)
		if o, ok := d.(ProgressObserver); ok && isRead && ev.Progress != nil {
			o.ReadTaskDidWriteBytes(rt, ev.Progress.Written, ev.Progress.Received, ev.Progress.Expected)
		}
	case EventSuspended:
		rt, isRead := tk.(*ReadTask)
		if o, ok := d.(SuspendObserver); ok && isRead {
			o.ReadTaskDidSuspend(rt, ev.Offset, expectedOf(ev))
		}
	case EventResumed:
		rt, isRead := tk.(*ReadTask)
		if o, ok := d.(ResumeObserver); ok && isRead {
			o.ReadTaskDidResume(rt, ev.Offset, expectedOf(ev))
		}
	}
}

func expectedOf(ev Event) int64 {
	if ev.Progress == nil {
		return -1
	}
	return ev.Progress.Expected
}
