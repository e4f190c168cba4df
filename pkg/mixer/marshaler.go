package mixer

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
)

// NewMarshaler creates a Marshaler. Run has to be invoked on the goroutine
// that should observe all dispatched functions (the home context).
func NewMarshaler() *Marshaler {
	return &Marshaler{
		pending: queue.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Marshaler redelivers functions onto a single designated goroutine. Dispatch
// can be called from any goroutine, including OS callback threads, and never
// blocks; if the caller already runs on the home goroutine the function is
// invoked synchronously instead. Per caller, the posting order is preserved.
type Marshaler struct {
	mutex   sync.Mutex
	pending *queue.Queue
	wake    chan struct{}
	homeGid atomic.Int64
}

// Run pumps dispatched functions on the calling goroutine until ctx is done.
// The calling goroutine becomes the home context of this Marshaler.
func (this *Marshaler) Run(ctx context.Context) {
	this.homeGid.Store(gid())
	defer this.homeGid.Store(0)

	for {
		this.drain()
		select {
		case <-ctx.Done():
			return
		case <-this.wake:
		}
	}
}

// Dispatch invokes fn on the home goroutine. When called from the home
// goroutine itself fn runs synchronously before Dispatch returns; otherwise
// fn is enqueued for asynchronous execution and Dispatch returns immediately,
// fire-and-forget.
func (this *Marshaler) Dispatch(fn func()) {
	if this.homeGid.Load() == gid() {
		fn()
		return
	}

	this.mutex.Lock()
	this.pending.Add(fn)
	this.mutex.Unlock()

	select {
	case this.wake <- struct{}{}:
	default:
	}
}

func (this *Marshaler) drain() {
	for {
		this.mutex.Lock()
		if this.pending.Length() == 0 {
			this.mutex.Unlock()
			return
		}
		fn := this.pending.Remove().(func())
		this.mutex.Unlock()

		fn()
	}
}

var gidPrefix = []byte("goroutine ")

// gid returns the id of the calling goroutine, taken from the runtime.Stack
// header. The runtime does not expose it otherwise.
func gid() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, gidPrefix)
	if i := bytes.IndexByte(buf, ' '); i >= 0 {
		buf = buf[:i]
	}
	result, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		panic(err)
	}
	return result
}
