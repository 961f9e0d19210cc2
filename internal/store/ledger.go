package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/blobcore/internal/ucan"
)

// EventType distinguishes invocation events from receipt events.
type EventType string

const (
	EventWorkflow EventType = "workflow"
	EventReceipt  EventType = "receipt"
)

// Event is one entry of the ledger's ordered event stream. Invocation
// events carry the invoked ability; receipt events carry it when the
// receipt embeds its task.
type Event struct {
	Seq      int64     `json:"seq"`
	Type     EventType `json:"type"`
	Task     string    `json:"task"`
	Link     string    `json:"link"`
	Message  string    `json:"message"`
	Issuer   string    `json:"issuer,omitempty"`
	Audience string    `json:"audience,omitempty"`
	Can      string    `json:"can,omitempty"`
}

// EventSink receives events after the write that produced them commits.
type EventSink func(Event)

// WriteMessage stores a message and indexes its members by task. Writing
// a message that is already stored is a no-op. Indexes are
// insert-if-absent, so a task keeps resolving to the first message that
// carried it.
func (s *Store) WriteMessage(ctx context.Context, msg *ucan.Message) error {
	entries, err := msg.Index()
	if err != nil {
		return storageFailed("write message", err)
	}
	data, err := ucan.EncodeMessage(msg)
	if err != nil {
		return storageFailed("write message", err)
	}

	var emitted []Event
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, car, inserted_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, msg.Link().String(), data, s.now().Unix())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		for _, e := range entries {
			ev, err := indexEntry(ctx, tx, msg, e)
			if err != nil {
				return err
			}
			emitted = append(emitted, ev)
		}
		return nil
	})
	if err != nil {
		return storageFailed("write message", err)
	}

	if s.sink != nil {
		for _, ev := range emitted {
			s.sink(ev)
		}
	}
	return nil
}

func indexEntry(ctx context.Context, tx *sql.Tx, msg *ucan.Message, e ucan.IndexEntry) (Event, error) {
	ev := Event{
		Task:    e.Task.String(),
		Link:    e.Link.String(),
		Message: e.Message.String(),
	}

	switch e.Kind {
	case ucan.IndexInvocation:
		ev.Type = EventWorkflow
		if inv, err := ucan.View(e.Link, msg.Blocks()); err == nil {
			ev.Issuer = inv.Issuer().String()
			ev.Audience = inv.Audience().String()
			ev.Can = inv.Capability().Can
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invocations (task, message)
			VALUES (?, ?)
			ON CONFLICT(task) DO NOTHING
		`, ev.Task, ev.Message); err != nil {
			return Event{}, fmt.Errorf("index invocation %s: %w", ev.Task, err)
		}
	case ucan.IndexReceipt:
		ev.Type = EventReceipt
		if r, err := ucan.ViewReceipt(e.Link, msg.Blocks()); err == nil {
			ev.Issuer = r.Issuer().String()
			if task, ok := r.Task(); ok {
				ev.Audience = task.Audience().String()
				ev.Can = task.Capability().Can
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO receipts (task, receipt, message)
			VALUES (?, ?, ?)
			ON CONFLICT(task) DO NOTHING
		`, ev.Task, ev.Link, ev.Message); err != nil {
			return Event{}, fmt.Errorf("index receipt %s: %w", ev.Task, err)
		}
	default:
		return Event{}, fmt.Errorf("unknown index kind %q", e.Kind)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, task, link, message, issuer, audience, can)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Type), ev.Task, ev.Link, ev.Message, ev.Issuer, ev.Audience, ev.Can)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// GetInvocation returns the invocation for task. Invocations are
// immutable, so decoded ones are cached.
func (s *Store) GetInvocation(ctx context.Context, task ucan.Link) (*ucan.Invocation, error) {
	key := task.String()
	if inv, ok := s.invocations.Get(key); ok {
		return inv, nil
	}

	msg, err := s.indexedMessage(ctx, `SELECT message FROM invocations WHERE task = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recordNotFound("invocation", task)
	}
	if err != nil {
		return nil, storageFailed("get invocation", err)
	}

	inv, err := ucan.View(task, msg.Blocks())
	if err != nil {
		return nil, storageFailed("get invocation", err)
	}
	s.invocations.Add(key, inv)
	return inv, nil
}

// GetReceipt returns the receipt recorded for task.
func (s *Store) GetReceipt(ctx context.Context, task ucan.Link) (*ucan.Receipt, error) {
	msg, err := s.indexedMessage(ctx, `SELECT message FROM receipts WHERE task = ?`, task.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, recordNotFound("receipt", task)
	}
	if err != nil {
		return nil, storageFailed("get receipt", err)
	}

	r, ok, err := msg.Receipt(task)
	if err != nil {
		return nil, storageFailed("get receipt", err)
	}
	if !ok {
		return nil, recordNotFound("receipt", task)
	}
	return r, nil
}

// GetMessage returns a stored message by link.
func (s *Store) GetMessage(ctx context.Context, id ucan.Link) (*ucan.Message, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT car FROM messages WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ucan.NewFailure(NameRecordNotFound, "message %s not found", id)
	}
	if err != nil {
		return nil, storageFailed("get message", err)
	}
	msg, err := ucan.DecodeMessage(data)
	if err != nil {
		return nil, storageFailed("get message", err)
	}
	return msg, nil
}

func (s *Store) indexedMessage(ctx context.Context, query, task string) (*ucan.Message, error) {
	var id string
	if err := s.db.QueryRowContext(ctx, query, task).Scan(&id); err != nil {
		return nil, err
	}
	var data []byte
	if err := s.db.QueryRowContext(ctx, `SELECT car FROM messages WHERE id = ?`, id).Scan(&data); err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return ucan.DecodeMessage(data)
}

// Events returns up to limit events with seq greater than after, in order.
func (s *Store) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, task, link, message, issuer, audience, can
		FROM events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, storageFailed("list events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ string
		if err := rows.Scan(&ev.Seq, &typ, &ev.Task, &ev.Link, &ev.Message, &ev.Issuer, &ev.Audience, &ev.Can); err != nil {
			return nil, storageFailed("list events", err)
		}
		ev.Type = EventType(typ)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageFailed("list events", err)
	}
	return events, nil
}
