package mutex

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/pkg/errors"
)

var errorReleasedTwice = errors.New("lock was already released")

// NewMysqlMutex locks sagas via GET_LOCK, the lock lives on a dedicated connection
// and dies with it
func NewMysqlMutex(db *sql.DB) Mutex {
	return &mysqlMutex{db: db}
}

type mysqlMutex struct {
	db *sql.DB
}

func (m *mysqlMutex) Lock(ctx context.Context, sagaID string) (Lock, error) {
	conn, err := m.db.Conn(ctx)

	if err != nil {
		return nil, WithMutexErr(errors.Wrapf(err, "obtaining a connection from pool for saga %s", sagaID))
	}

	r := sql.NullInt64{}
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, -1);", sagaID).Scan(&r); err != nil {
		closingErr := conn.Close()
		return nil, WithMutexErr(errors.Wrapf(err, "acquiring lock for saga %s. %v", sagaID, closingErr))
	}

	/*
		Returns 1 if the lock was obtained successfully,
		0 if the attempt timed out (for example, because another client has previously locked the name),
		or NULL if an error occurred (such as running out of memory or the thread was killed with mysqladmin kill).
	*/
	if r.Int64 != 1 {
		closingErr := conn.Close()
		return nil, WithMutexErr(errors.Errorf("got 0 when acquiring lock for saga %s. %v", sagaID, closingErr))
	}

	return &mysqlLock{conn: conn, sagaID: sagaID}, nil
}

type mysqlLock struct {
	conn   *sql.Conn
	sagaID string
}

func (l *mysqlLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return WithMutexErr(errorReleasedTwice)
	}

	conn := l.conn
	l.conn = nil

	r := sql.NullInt64{}
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?);", l.sagaID).Scan(&r); err != nil {
		closingErr := conn.Close()
		return WithMutexErr(errors.Wrapf(err, "releasing lock for saga %s. %v", l.sagaID, closingErr))
	}

	if r.Int64 != 1 {
		closingErr := conn.Close()
		return WithMutexErr(errors.Errorf("lock of saga %s was not held by this connection. %v", l.sagaID, closingErr))
	}

	if err := conn.Close(); err != nil {
		return WithMutexErr(errors.Wrapf(err, "closing connection of saga's %s mutex", l.sagaID))
	}

	return nil
}

// NewPgsqlMutex locks sagas via pg advisory locks keyed by a hash of the saga id
func NewPgsqlMutex(db *sql.DB) Mutex {
	return &pgsqlMutex{db: db}
}

type pgsqlMutex struct {
	db *sql.DB
}

func (m *pgsqlMutex) Lock(ctx context.Context, sagaID string) (Lock, error) {
	conn, err := m.db.Conn(ctx)

	if err != nil {
		return nil, WithMutexErr(errors.Wrapf(err, "obtaining a connection from pool for saga %s", sagaID))
	}

	key := advisoryKey(sagaID)

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1);", key); err != nil {
		closingErr := conn.Close()
		return nil, WithMutexErr(errors.Wrapf(err, "acquiring advisory lock for saga %s. %v", sagaID, closingErr))
	}

	return &pgsqlLock{conn: conn, sagaID: sagaID, key: key}, nil
}

type pgsqlLock struct {
	conn   *sql.Conn
	sagaID string
	key    int64
}

func (l *pgsqlLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return WithMutexErr(errorReleasedTwice)
	}

	conn := l.conn
	l.conn = nil

	released := false
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1);", l.key).Scan(&released); err != nil {
		closingErr := conn.Close()
		return WithMutexErr(errors.Wrapf(err, "releasing advisory lock for saga %s. %v", l.sagaID, closingErr))
	}

	if !released {
		closingErr := conn.Close()
		return WithMutexErr(errors.Errorf("advisory lock of saga %s was not held by this connection. %v", l.sagaID, closingErr))
	}

	if err := conn.Close(); err != nil {
		return WithMutexErr(errors.Wrapf(err, "closing connection of saga's %s mutex", l.sagaID))
	}

	return nil
}

func advisoryKey(sagaID string) int64 {
	h := fnv.New64a()
	// fnv write never fails
	_, _ = h.Write([]byte(sagaID))
	return int64(h.Sum64())
}
