package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

func scanSession(sc scanner) (*learning.Session, error) {
	var (
		s                  learning.Session
		started, heartbeat int64
	)
	if err := sc.Scan(&s.ID, &s.Project, &s.WorkingOn, &started, &heartbeat); err != nil {
		return nil, err
	}
	s.StartedAt = fromNanos(started)
	s.LastHeartbeat = fromNanos(heartbeat)
	return &s, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess learning.Session) (*learning.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, project, working_on, started_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			working_on = excluded.working_on,
			last_heartbeat = MAX(sessions.last_heartbeat, excluded.last_heartbeat)
		RETURNING id, project, working_on, started_at, last_heartbeat`,
		sess.ID, sess.Project, sess.WorkingOn, nanos(sess.StartedAt), nanos(sess.LastHeartbeat))
	out, err := scanSession(row)
	if err != nil {
		return nil, wrap("upsert session", err)
	}
	return out, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = MAX(last_heartbeat, ?) WHERE id = ?`, nanos(at), id)
	if err != nil {
		return wrap("touch session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("touch session", err)
	}
	if n == 0 {
		return wrap("touch session", sql.ErrNoRows)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*learning.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project, working_on, started_at, last_heartbeat FROM sessions WHERE id = ?`, id)
	out, err := scanSession(row)
	if err != nil {
		return nil, wrap("get session", err)
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context, project string, activeSince time.Time) ([]learning.Session, error) {
	q := `SELECT id, project, working_on, started_at, last_heartbeat FROM sessions WHERE last_heartbeat >= ?`
	args := []any{nanos(activeSince)}
	if project != "" {
		q += ` AND project = ?`
		args = append(args, project)
	}
	q += ` ORDER BY started_at DESC, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	var out []learning.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrap("list sessions", err)
		}
		out = append(out, *sess)
	}
	return out, wrap("list sessions", rows.Err())
}

func scanClaim(sc scanner) (*learning.FileClaim, error) {
	var (
		c       learning.FileClaim
		claimed int64
	)
	if err := sc.Scan(&c.FilePath, &c.Project, &c.SessionID, &claimed); err != nil {
		return nil, err
	}
	c.ClaimedAt = fromNanos(claimed)
	return &c, nil
}

// PutClaim reads the previous claim and overwrites it in one transaction.
func (s *Store) PutClaim(ctx context.Context, c learning.FileClaim) (*learning.FileClaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("put claim", err)
	}
	defer tx.Rollback()

	prev, err := scanClaim(tx.QueryRowContext(ctx,
		`SELECT file_path, project, session_id, claimed_at FROM file_claims WHERE file_path = ? AND project = ?`,
		c.FilePath, c.Project))
	if errors.Is(err, sql.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return nil, wrap("put claim", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_claims (file_path, project, session_id, claimed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_path, project) DO UPDATE SET
			session_id = excluded.session_id,
			claimed_at = excluded.claimed_at`,
		c.FilePath, c.Project, c.SessionID, nanos(c.ClaimedAt)); err != nil {
		return nil, wrap("put claim", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("put claim", err)
	}
	return prev, nil
}

func (s *Store) GetClaim(ctx context.Context, filePath, project string) (*learning.FileClaim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT file_path, project, session_id, claimed_at FROM file_claims WHERE file_path = ? AND project = ?`,
		filePath, project))
	if err != nil {
		return nil, wrap("get claim", err)
	}
	return c, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_claims WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, wrap("release claims", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("release claims", err)
}

const handoffCols = `h.id, h.session_id, h.project, h.content, h.created_at, h.outcome, h.outcome_notes`

func scanHandoff(sc scanner) (*learning.Handoff, error) {
	var (
		h       learning.Handoff
		created int64
	)
	if err := sc.Scan(&h.ID, &h.SessionID, &h.Project, &h.Content, &created, &h.Outcome, &h.OutcomeNotes); err != nil {
		return nil, err
	}
	h.CreatedAt = fromNanos(created)
	return &h, nil
}

func (s *Store) InsertHandoff(ctx context.Context, h *learning.Handoff) error {
	outcome := h.Outcome
	if outcome == "" {
		outcome = learning.OutcomeUnknown
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, session_id, project, content, created_at, outcome, outcome_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		h.ID, h.SessionID, h.Project, h.Content, nanos(h.CreatedAt), string(outcome), h.OutcomeNotes)
	if err != nil {
		return wrap("insert handoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("insert handoff", err)
	}
	if n == 0 {
		return learning.ErrHandoffExists
	}
	return nil
}

func (s *Store) MarkHandoff(ctx context.Context, id string, outcome learning.Outcome, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE handoffs SET outcome = ?, outcome_notes = ? WHERE id = ?`, string(outcome), notes, id)
	if err != nil {
		return wrap("mark handoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("mark handoff", err)
	}
	if n == 0 {
		return wrap("mark handoff", sql.ErrNoRows)
	}
	return nil
}

func (s *Store) SearchHandoffs(ctx context.Context, project, query string, limit int) ([]learning.Handoff, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows *sql.Rows
		err  error
	)
	if terms := store.QueryTerms(query); len(terms) > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+handoffCols+` FROM handoffs_fts
			JOIN handoffs h ON h.seq = handoffs_fts.rowid
			WHERE handoffs_fts MATCH ? AND h.project = ?
			ORDER BY bm25(handoffs_fts), h.created_at DESC
			LIMIT ?`, MatchQuery(terms), project, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+handoffCols+` FROM handoffs h
			WHERE h.project = ?
			ORDER BY h.created_at DESC
			LIMIT ?`, project, limit)
	}
	if err != nil {
		return nil, wrap("search handoffs", err)
	}
	defer rows.Close()

	var out []learning.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, wrap("search handoffs", err)
		}
		out = append(out, *h)
	}
	return out, wrap("search handoffs", rows.Err())
}

func (s *Store) GetHandoff(ctx context.Context, id string) (*learning.Handoff, error) {
	h, err := scanHandoff(s.db.QueryRowContext(ctx, `SELECT `+handoffCols+` FROM handoffs h WHERE h.id = ?`, id))
	if err != nil {
		return nil, wrap("get handoff", err)
	}
	return h, nil
}
