package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	esSql "github.com/go-conductor/conductor/eventstore/sql"
	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/runtime/scheme"
	"github.com/pkg/errors"
)

const (
	MYSQLDriver SQLDriver = "mysql"
	PGDriver    SQLDriver = "pg"

	eventsTableName = "event_log"
)

type SQLDriver string

// NewSQLStore creates an event store on top of mysql or postgres.
// driver param is required because of https://github.com/golang/go/issues/3602. Better this than +1 dependency or copy pasting code
func NewSQLStore(db *esSql.DB, driver SQLDriver, marshaller Marshaller, logger log.Logger) (Store, error) {
	s := &sqlStore{db: db, driver: driver, marshaller: marshaller, notifier: newNotifier(logger)}
	if err := s.initTables(); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for SQLStore, driver %s", driver)
	}

	return s, nil
}

type sqlStore struct {
	db         *esSql.DB
	driver     SQLDriver
	marshaller Marshaller
	notifier   *notifier
}

// Append inserts payloads into the stream within a single transaction. The version
// check runs on a connection holding the stream's in-process lock, the unique
// (stream_id, version) constraint guards against concurrent writers from other
// processes. Both paths surface as ConcurrencyError.
func (s *sqlStore) Append(ctx context.Context, streamID StreamID, expectedVersion uint64, payloads ...scheme.Object) ([]Event, error) {
	if len(payloads) == 0 {
		return nil, errors.Errorf("appending to stream %s: no payloads given", streamID)
	}

	conn, err := s.db.Conn(ctx, streamID.String(), true)
	if err != nil {
		return nil, errors.Wrap(err, "obtaining a connection")
	}

	defer conn.Close(true)

	tx, err := conn.BeginTx(ctx, nil)

	if err != nil {
		return nil, errors.Wrapf(err, "beginning a transaction for stream %s", streamID)
	}

	currentVersion, err := s.versionInTx(ctx, tx, streamID)

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return nil, errors.Wrapf(rErr, "rollback when %s", err)
		}
		return nil, errors.Wrapf(err, "reading current version of stream %s", streamID)
	}

	if currentVersion != expectedVersion {
		if rErr := tx.Rollback(); rErr != nil {
			return nil, errors.Wrapf(rErr, "rollback when version conflict on stream %s", streamID)
		}
		return nil, ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: currentVersion}
	}

	now := time.Now().Round(time.Millisecond).UTC()
	appended := make([]Event, len(payloads))

	for i, payload := range payloads {
		name, err := s.marshaller.Kind(payload)

		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return nil, errors.Wrapf(rErr, "rollback when %s", err)
			}
			return nil, errors.Wrapf(err, "resolving kind of payload %d for stream %s", i, streamID)
		}

		body, err := s.marshaller.Marshal(payload)

		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return nil, errors.Wrapf(rErr, "rollback when %s", err)
			}
			return nil, errors.Wrapf(err, "marshaling payload %d for stream %s", i, streamID)
		}

		ev := newEvent(streamID, currentVersion+uint64(i)+1, name, payload, now)

		_, err = tx.ExecContext(ctx, s.prepQuery(fmt.Sprintf("INSERT INTO %v (uid, stream_id, version, name, payload, created_at) VALUES (?, ?, ?, ?, ?, ?);", eventsTableName)),
			ev.UID,
			ev.StreamID.String(),
			ev.Version,
			ev.Name,
			body,
			ev.CreatedAt,
		)

		if err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return nil, errors.Wrapf(rErr, "rollback when %s", err)
			}

			if isUniqueViolation(err) {
				return nil, ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: currentVersion + uint64(i) + 1}
			}

			return nil, errors.Wrapf(err, "inserting event v%d into stream %s", ev.Version, streamID)
		}

		appended[i] = ev
	}

	rows, err := tx.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT version, global_seq FROM %v WHERE stream_id=? AND version > ? ORDER BY version ASC;", eventsTableName)), streamID.String(), currentVersion)

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return nil, errors.Wrapf(rErr, "rollback when %s", err)
		}
		return nil, errors.Wrapf(err, "reading back global sequence for stream %s", streamID)
	}

	seqByVersion := make(map[uint64]uint64, len(appended))

	for rows.Next() {
		var version, seq uint64
		if err := rows.Scan(&version, &seq); err != nil {
			rows.Close()
			if rErr := tx.Rollback(); rErr != nil {
				return nil, errors.Wrapf(rErr, "rollback when %s", err)
			}
			return nil, errors.Wrap(err, "scanning global sequence row")
		}
		seqByVersion[version] = seq
	}

	if err := rows.Close(); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ConcurrencyError{StreamID: streamID, ExpectedVersion: expectedVersion, ActualVersion: currentVersion}
		}
		return nil, errors.Wrapf(err, "committing events into stream %s", streamID)
	}

	for i := range appended {
		appended[i].GlobalSeq = seqByVersion[appended[i].Version]
	}

	s.notifier.notify(appended)

	return appended, nil
}

func (s *sqlStore) Read(ctx context.Context, streamID StreamID, fromVersion uint64) (Cursor, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT uid, stream_id, version, global_seq, name, payload, created_at FROM %v WHERE stream_id=? AND version > ? ORDER BY version ASC;", eventsTableName)), streamID.String(), fromVersion)

	if err != nil {
		return nil, errors.Wrapf(err, "reading stream %s from version %d", streamID, fromVersion)
	}

	return &sqlCursor{rows: rows, marshaller: s.marshaller}, nil
}

func (s *sqlStore) ReadAll(ctx context.Context, fromSeq uint64) (Cursor, error) {
	rows, err := s.db.QueryContext(ctx, s.prepQuery(fmt.Sprintf("SELECT uid, stream_id, version, global_seq, name, payload, created_at FROM %v WHERE global_seq > ? ORDER BY global_seq ASC;", eventsTableName)), fromSeq)

	if err != nil {
		return nil, errors.Wrapf(err, "reading all streams from sequence %d", fromSeq)
	}

	return &sqlCursor{rows: rows, marshaller: s.marshaller}, nil
}

func (s *sqlStore) StreamVersion(ctx context.Context, streamID StreamID) (uint64, error) {
	var version uint64

	err := s.db.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %v WHERE stream_id=?;", eventsTableName)), streamID.String()).Scan(&version)

	if err != nil {
		return 0, errors.Wrapf(err, "reading version of stream %s", streamID)
	}

	return version, nil
}

func (s *sqlStore) SubscribeAll(name string, handler EventHandler) {
	s.notifier.register(name, handler)
}

// Close stops the subscriber goroutines. The underlying sql.DB belongs to the caller
// and stays open.
func (s *sqlStore) Close() error {
	s.notifier.stop()
	return nil
}

func (s *sqlStore) versionInTx(ctx context.Context, tx *sql.Tx, streamID StreamID) (uint64, error) {
	var version uint64

	err := tx.QueryRowContext(ctx, s.prepQuery(fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %v WHERE stream_id=?;", eventsTableName)), streamID.String()).Scan(&version)

	if err != nil {
		return 0, errors.WithStack(err)
	}

	return version, nil
}

func (s *sqlStore) initTables() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	seqColumn := "global_seq bigint auto_increment primary key,"

	if s.driver == PGDriver {
		seqColumn = "global_seq bigserial primary key,"
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})

	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`create table if not exists %v
	(
		%v
		uid varchar(255) not null,
		stream_id varchar(255) not null,
		version bigint not null,
		name varchar(255) null,
		payload text null,
		created_at timestamp null,
		constraint event_log_stream_version_uindex
			unique (stream_id, version),
		constraint event_log_uid_uindex
			unique (uid)
	);`, eventsTableName, seqColumn))

	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "error rollback when %s", err)
		}
		return errors.WithStack(err)
	}

	if err := tx.Commit(); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (s *sqlStore) prepQuery(query string) string {
	var res []byte

	counter := 1

	for i := 0; i < len(query); i++ {
		if query[i] == '?' && s.driver == PGDriver {
			res = append(append(res, '$'), []byte(strconv.Itoa(counter))...)
			counter++

			continue
		}
		res = append(res, query[i])
	}

	return string(res)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}

type sqlCursor struct {
	rows       *sql.Rows
	marshaller Marshaller
	current    Event
	err        error
}

func (c *sqlCursor) Next(ctx context.Context) bool {
	if c.err != nil || ctx.Err() != nil {
		return false
	}

	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}

	var (
		ev        Event
		streamID  string
		payload   []byte
		createdAt time.Time
	)

	if err := c.rows.Scan(&ev.UID, &streamID, &ev.Version, &ev.GlobalSeq, &ev.Name, &payload, &createdAt); err != nil {
		c.err = errors.Wrap(err, "scanning event row")
		return false
	}

	obj, err := c.marshaller.Unmarshal(ev.Name, payload)

	if err != nil {
		c.err = errors.Wrapf(err, "decoding payload of event %s", ev.UID)
		return false
	}

	ev.StreamID = StreamID(streamID)
	ev.Payload = obj
	ev.CreatedAt = createdAt
	c.current = ev

	return true
}

func (c *sqlCursor) Event() Event {
	return c.current
}

func (c *sqlCursor) Err() error {
	return c.err
}

func (c *sqlCursor) Close() error {
	return errors.WithStack(c.rows.Close())
}
