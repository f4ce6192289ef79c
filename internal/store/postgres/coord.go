package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fyrsmithlabs/learnd/internal/learning"
)

const sessionCols = `id, project, working_on, started_at, last_heartbeat`

func scanSession(row pgx.Row) (*learning.Session, error) {
	var s learning.Session
	if err := row.Scan(&s.ID, &s.Project, &s.WorkingOn, &s.StartedAt, &s.LastHeartbeat); err != nil {
		return nil, err
	}
	s.StartedAt = utc(s.StartedAt)
	s.LastHeartbeat = utc(s.LastHeartbeat)
	return &s, nil
}

func (s *Store) UpsertSession(ctx context.Context, sess learning.Session) (*learning.Session, error) {
	out, err := scanSession(s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, project, working_on, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			project = EXCLUDED.project,
			working_on = EXCLUDED.working_on,
			last_heartbeat = GREATEST(sessions.last_heartbeat, EXCLUDED.last_heartbeat)
		RETURNING `+sessionCols,
		sess.ID, sess.Project, sess.WorkingOn, utc(sess.StartedAt), utc(sess.LastHeartbeat)))
	if err != nil {
		return nil, wrap("upsert session", err)
	}
	return out, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_heartbeat = GREATEST(last_heartbeat, $1) WHERE id = $2`, utc(at), id)
	if err != nil {
		return wrap("touch session", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("touch session", pgx.ErrNoRows)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*learning.Session, error) {
	out, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get session", err)
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context, project string, activeSince time.Time) ([]learning.Session, error) {
	var a args
	sql := `SELECT ` + sessionCols + ` FROM sessions WHERE last_heartbeat >= ` + a.add(utc(activeSince))
	if project != "" {
		sql += ` AND project = ` + a.add(project)
	}
	sql += ` ORDER BY started_at DESC, id`

	rows, err := s.pool.Query(ctx, sql, a...)
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

const claimSQL = `SELECT file_path, project, session_id, claimed_at FROM file_claims WHERE file_path = $1 AND project = $2`

func scanClaim(row pgx.Row) (*learning.FileClaim, error) {
	var c learning.FileClaim
	if err := row.Scan(&c.FilePath, &c.Project, &c.SessionID, &c.ClaimedAt); err != nil {
		return nil, err
	}
	c.ClaimedAt = utc(c.ClaimedAt)
	return &c, nil
}

// PutClaim locks the previous claim, if any, and overwrites it in one transaction.
func (s *Store) PutClaim(ctx context.Context, c learning.FileClaim) (*learning.FileClaim, error) {
	var prev *learning.FileClaim
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		p, err := scanClaim(tx.QueryRow(ctx, claimSQL+` FOR UPDATE`, c.FilePath, c.Project))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			prev = p
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO file_claims (file_path, project, session_id, claimed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (file_path, project) DO UPDATE SET
				session_id = EXCLUDED.session_id,
				claimed_at = EXCLUDED.claimed_at`,
			c.FilePath, c.Project, c.SessionID, utc(c.ClaimedAt))
		return err
	})
	if err != nil {
		return nil, wrap("put claim", err)
	}
	return prev, nil
}

func (s *Store) GetClaim(ctx context.Context, filePath, project string) (*learning.FileClaim, error) {
	c, err := scanClaim(s.pool.QueryRow(ctx, claimSQL, filePath, project))
	if err != nil {
		return nil, wrap("get claim", err)
	}
	return c, nil
}

func (s *Store) ReleaseClaims(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM file_claims WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, wrap("release claims", err)
	}
	return int(tag.RowsAffected()), nil
}

const handoffCols = `id, session_id, project, content, created_at, outcome, outcome_notes`

func scanHandoff(row pgx.Row) (*learning.Handoff, error) {
	var (
		h       learning.Handoff
		outcome string
	)
	if err := row.Scan(&h.ID, &h.SessionID, &h.Project, &h.Content, &h.CreatedAt, &outcome, &h.OutcomeNotes); err != nil {
		return nil, err
	}
	h.Outcome = learning.Outcome(outcome)
	h.CreatedAt = utc(h.CreatedAt)
	return &h, nil
}

func (s *Store) InsertHandoff(ctx context.Context, h *learning.Handoff) error {
	outcome := h.Outcome
	if outcome == "" {
		outcome = learning.OutcomeUnknown
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO handoffs (id, session_id, project, content, created_at, outcome, outcome_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		h.ID, h.SessionID, h.Project, h.Content, utc(h.CreatedAt), string(outcome), h.OutcomeNotes)
	if err != nil {
		return wrap("insert handoff", err)
	}
	if tag.RowsAffected() == 0 {
		return learning.ErrHandoffExists
	}
	return nil
}

func (s *Store) MarkHandoff(ctx context.Context, id string, outcome learning.Outcome, notes string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE handoffs SET outcome = $1, outcome_notes = $2 WHERE id = $3`, string(outcome), notes, id)
	if err != nil {
		return wrap("mark handoff", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("mark handoff", pgx.ErrNoRows)
	}
	return nil
}

func (s *Store) SearchHandoffs(ctx context.Context, project, query string, limit int) ([]learning.Handoff, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		rows pgx.Rows
		err  error
	)
	if tsq := BuildTSQuery(query); tsq != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+handoffCols+` FROM handoffs
			WHERE search_vector @@ to_tsquery('english', $1) AND project = $2
			ORDER BY ts_rank(search_vector, to_tsquery('english', $1)) DESC, created_at DESC
			LIMIT $3`, tsq, project, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+handoffCols+` FROM handoffs
			WHERE project = $1
			ORDER BY created_at DESC
			LIMIT $2`, project, limit)
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
	h, err := scanHandoff(s.pool.QueryRow(ctx, `SELECT `+handoffCols+` FROM handoffs WHERE id = $1`, id))
	if err != nil {
		return nil, wrap("get handoff", err)
	}
	return h, nil
}
