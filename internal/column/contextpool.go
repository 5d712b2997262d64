// Context pool sized per column so concurrent insert/search calls reuse
// scratch state instead of allocating a fresh engine context per call.
// The pool is fixed-size rather than sync.Pool-backed: TryBorrow must
// be able to report "none free" instead of silently allocating past the
// configured concurrency.
package column

// Context is scratch state borrowed for the duration of one insert or
// search call. Real ANN engines keep per-query visited-sets and
// candidate heaps here; the reference engines in this package keep it
// empty, but callers still borrow/release it so the pooling contract is
// exercised end to end.
type Context struct {
	scratch []float32
}

// ContextPool hands out a fixed number of *Context values.
type ContextPool struct {
	slots chan *Context
}

// NewContextPool creates a pool of size contexts, ready to use
// immediately.
func NewContextPool(size int) *ContextPool {
	if size <= 0 {
		size = 1
	}
	p := &ContextPool{slots: make(chan *Context, size)}
	for i := 0; i < size; i++ {
		p.slots <- &Context{}
	}
	return p
}

// Borrow blocks until a context is available.
func (p *ContextPool) Borrow() *Context {
	return <-p.slots
}

// TryBorrow returns immediately, reporting false if the pool is
// exhausted.
func (p *ContextPool) TryBorrow() (*Context, bool) {
	select {
	case c := <-p.slots:
		return c, true
	default:
		return nil, false
	}
}

// Release returns ctx to the pool.
func (p *ContextPool) Release(ctx *Context) {
	p.slots <- ctx
}

// Size reports the pool's fixed capacity.
func (p *ContextPool) Size() int {
	return cap(p.slots)
}
