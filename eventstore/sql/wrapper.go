package sql

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
)

// DB wraps *sql.DB and hands out per-stream connections. Appends to the same stream
// reuse one connection and can serialize on it, so a single process never races
// itself on a stream while different streams keep using separate connections.
type DB struct {
	*sql.DB
	mtx   sync.RWMutex
	inUse map[string]*Conn
}

func NewDB(db *sql.DB) *DB {
	return &DB{
		DB:    db,
		inUse: make(map[string]*Conn),
	}
}

// Conn returns the connection pinned to streamID, creating one if needed. When lock
// is true the call blocks until it holds the stream's in-process lock, Close(true)
// releases it.
func (d *DB) Conn(ctx context.Context, streamID string, lock bool) (*Conn, error) {
	d.mtx.RLock()
	pinned, exists := d.inUse[streamID]
	d.mtx.RUnlock()

	if exists {
		pinned.addHolder()

		if lock {
			if err := pinned.acquire(ctx); err != nil {
				return nil, errors.Wrapf(err, "locking connection of stream %s", streamID)
			}
		}

		// the pinned connection might have died while idle
		if err := pinned.PingContext(ctx); err == nil {
			return pinned, nil
		}
	}

	conn, err := d.DB.Conn(ctx)

	if err != nil {
		return nil, errors.Wrapf(err, "obtaining a connection from pool for stream %s", streamID)
	}

	pinned = &Conn{
		Conn:     conn,
		streamID: streamID,
		holders:  1,
		lockCh:   make(chan struct{}, 1),
		release:  d.releaseConn,
	}

	if lock {
		pinned.lockCh <- struct{}{}
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.inUse[streamID] = pinned

	return pinned, nil
}

func (d *DB) releaseConn(streamID string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	delete(d.inUse, streamID)
}

// Conn is a stream-pinned connection shared by all callers working with that stream
type Conn struct {
	*sql.Conn
	streamID   string
	holdersMtx sync.Mutex
	holders    uint32
	lockCh     chan struct{}
	release    func(streamID string)
}

func (c *Conn) addHolder() {
	c.holdersMtx.Lock()
	defer c.holdersMtx.Unlock()

	c.holders++
}

func (c *Conn) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.New("context canceled while waiting for the stream lock")
	case c.lockCh <- struct{}{}:
		return nil
	}
}

// Close drops this holder's claim, unlocking first when unlock is true. The underlying
// connection returns to the pool once the last holder is gone.
func (c *Conn) Close(unlock bool) error {
	c.holdersMtx.Lock()
	defer c.holdersMtx.Unlock()

	c.holders--

	if unlock {
		if len(c.lockCh) == 1 {
			<-c.lockCh
		} else {
			return errors.New("called Close(true) on a connection that wasn't locked")
		}
	}

	if c.holders == 0 {
		c.release(c.streamID)
		return c.Conn.Close()
	}

	return nil
}
