package exchange

import (
	"errors"
	"net/http"
	"os"
)

// Terminator is implemented by response writers that can finish the reply
// on the wire before the handler returns.
type Terminator interface {
	Terminate() error
}

// End echoes payload when it is not nil, then finalizes the exchange: output
// tasks are joined, staged cookies and the timing header are flushed, the
// reply is terminated, after-end listeners run and stored uploads are
// removed. Only the first call does anything; later calls return ErrEnded
// once the exchange is closed.
//
// Called from an output transform, End cannot join the task running it. It
// starts the finalization and returns; the exchange is closed once every
// task has finished.
func (x *Exchange) End(payload any, encoding string) error {
	if x.State() >= StateEnding {
		return x.waitEnded()
	}

	var err error
	if payload != nil {
		err = x.Echo(payload, encoding)
	}

	if !x.beginEnd() {
		return x.waitEnded()
	}

	if x.task {
		go x.finish()

		return err
	}

	x.finish()

	return err
}

// waitEnded blocks while another End is closing the exchange. Task handles
// never block, the closing End may be waiting on them.
func (x *Exchange) waitEnded() error {
	if !x.task && x.State() == StateEnding {
		<-x.done
	}

	return ErrEnded
}

func (x *Exchange) finish() {
	x.tasks.Wait()

	x.taskMu.Lock()
	taskErrs := x.taskErrs
	x.taskErrs = nil
	x.taskMu.Unlock()

	if len(taskErrs) > 0 {
		x.log.WithError(errors.Join(taskErrs...)).Debug("exchange: output task failed")
	}

	x.close()
}

func (x *Exchange) beginEnd() bool {
	for {
		s := x.state.Load()
		if s >= int32(StateEnding) {
			return false
		}

		if x.state.CompareAndSwap(s, int32(StateEnding)) {
			return true
		}
	}
}

func (x *Exchange) close() {
	x.FlushCookies()
	x.SendTime("")

	if err := x.terminate(); err != nil {
		x.log.WithError(err).Debug("exchange: terminate")
	}

	x.state.Store(int32(StateEnded))

	x.mu.Lock()
	listeners := x.afterEnd
	x.afterEnd = nil
	x.mu.Unlock()

	for _, fn := range listeners {
		fn(x)
	}

	x.removeUploads()
	close(x.done)
}

func (x *Exchange) terminate() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.writeHeaderLocked()

	switch w := x.rw.(type) {
	case Terminator:
		return w.Terminate()
	case http.Flusher:
		w.Flush()
	}

	return nil
}

func (x *Exchange) removeUploads() {
	for _, p := range x.tempPaths {
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			_ = os.Remove(p)
		}
	}
}

// OnAfterEnd registers fn to run once the reply has been terminated.
// Listeners registered after that point are never called.
func (x *Exchange) OnAfterEnd(fn func(*Exchange)) {
	if fn == nil {
		return
	}

	x.mu.Lock()
	x.afterEnd = append(x.afterEnd, fn)
	x.mu.Unlock()
}
