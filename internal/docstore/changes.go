package docstore

import (
	"context"
	"database/sql"
	"fmt"
)

func recordChange(ctx context.Context, tx *sql.Tx, docID string, typ DocType, deleted bool) error {
	flag := 0
	if deleted {
		flag = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO changes (doc_id, type, deleted) VALUES (?, ?, ?)`, docID, string(typ), flag); err != nil {
		return fmt.Errorf("record change %s: %w", docID, err)
	}
	return nil
}

// Changes returns feed entries after since, oldest first.
func (s *Store) Changes(ctx context.Context, since int64) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, doc_id, type, deleted FROM changes WHERE seq > ? ORDER BY seq
	`, since)
	if err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var typ string
		var deleted int
		if err := rows.Scan(&c.Seq, &c.DocID, &typ, &deleted); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Type = DocType(typ)
		c.Deleted = deleted != 0
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read last seq: %w", err)
	}
	return seq.Int64, nil
}

// Watch streams changes after since until ctx is done. The channel is
// closed when watching stops.
func (s *Store) Watch(ctx context.Context, since int64) <-chan Change {
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		for {
			wake := s.waiter()
			changes, err := s.Changes(ctx, since)
			if err != nil {
				return
			}
			for _, c := range changes {
				select {
				case out <- c:
					since = c.Seq
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Store) waiter() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notify
}

func (s *Store) broadcast() {
	s.notifyMu.Lock()
	close(s.notify)
	s.notify = make(chan struct{})
	s.notifyMu.Unlock()
}
