package manager

import (
	"context"
	"database/sql"
	"sync"

	"go.litecore.dev/store/enginesql"
)

// readerPool is a bounded set of read-only connections. Free connections
// sit in a stack; a buffered "release" channel wakes one waiter whenever
// a connection is returned, standing in for the source's monitor +
// release-signal pair.
type readerPool struct {
	mu      sync.Mutex
	free    []*sql.DB
	numOpen int

	min, max int
	dsn      enginesql.DSNOptions
	release  chan struct{}
}

func newReaderPool(min, max int, dsn enginesql.DSNOptions) *readerPool {
	return &readerPool{min: min, max: max, dsn: dsn, release: make(chan struct{}, 1)}
}

// warm opens connections up to p.min and parks them on the free stack,
// maintaining the configured floor instead of leaving the pool to open
// lazily to max on first demand.
func (p *readerPool) warm(ctx context.Context) error {
	p.mu.Lock()
	var toOpen = p.min - p.numOpen
	p.mu.Unlock()

	for i := 0; i < toOpen; i++ {
		db, err := enginesql.Open(ctx, p.dsn)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.numOpen++
		p.free = append(p.free, db)
		p.mu.Unlock()
	}
	return nil
}

// Get returns a reader connection, opening a fresh one while under max
// or blocking for a release otherwise.
func (p *readerPool) Get(ctx context.Context) (*sql.DB, error) {
	for {
		p.mu.Lock()
		if n := len(p.free); n > 0 {
			var db = p.free[n-1]
			p.free = p.free[:n-1]
			p.mu.Unlock()
			return db, nil
		}
		if p.numOpen < p.max {
			p.numOpen++
			p.mu.Unlock()
			db, err := enginesql.Open(ctx, p.dsn)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, err
			}
			return db, nil
		}
		p.mu.Unlock()

		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns db to the free stack and wakes one waiter, if the
// connection is still open (dead connections are simply dropped and
// numOpen decremented).
func (p *readerPool) Put(db *sql.DB) {
	p.mu.Lock()
	if err := db.PingContext(context.Background()); err != nil {
		p.numOpen--
		p.mu.Unlock()
		db.Close()
		return
	}
	p.free = append(p.free, db)
	p.mu.Unlock()

	select {
	case p.release <- struct{}{}:
	default:
	}
}

// Close disposes every free connection; busy connections drain naturally
// as their holders call Put on an already-closing pool.
func (p *readerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, db := range p.free {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	return firstErr
}
