package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
)

const defaultQuantizer = "default"

// SaveSession upserts a session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	return s.write(ctx, "store.save_session", func(tx *sql.Tx) error {
		return upsertSession(ctx, tx, sess)
	})
}

// SaveSessionWithPolicy writes the session row and its policy snapshot in one transaction,
// so an ended session is never visible without its final policy.
func (s *SQLiteStore) SaveSessionWithPolicy(ctx context.Context, sess *models.Session, policy *PolicyBlob) error {
	return s.write(ctx, "store.save_session", func(tx *sql.Tx) error {
		if policy != nil {
			if err := upsertPolicy(ctx, tx, policy); err != nil {
				return err
			}
		}
		return upsertSession(ctx, tx, sess)
	})
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess *models.Session) error {
	var endedAt any
	if sess.EndedAt != nil {
		endedAt = *sess.EndedAt
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, session_type, status, algorithm, policy_ref, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			policy_ref = excluded.policy_ref,
			ended_at = excluded.ended_at`,
		sess.ID, sess.UserID, sess.SessionType, string(sess.Status), sess.Algorithm, sess.PolicyRef,
		sess.StartedAt, endedAt,
	)
	return err
}

// GetSession returns a session by id, or ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_type, status, algorithm, policy_ref, started_at, ended_at
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, dberr.Errorf(dberr.KindNotFound, "store.get_session", "session %s", id)
	}
	if err != nil {
		return nil, s.classify("store.get_session", err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by start time. Ended sessions are skipped unless includeEnded.
func (s *SQLiteStore) ListSessions(ctx context.Context, includeEnded bool) ([]*models.Session, error) {
	query := `SELECT id, user_id, session_type, status, algorithm, policy_ref, started_at, ended_at
		FROM sessions`
	if !includeEnded {
		query += ` WHERE status != 'ended'`
	}
	query += ` ORDER BY started_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.classify("store.list_sessions", err)
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, s.classify("store.list_sessions", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var userID, sessionType, policyRef sql.NullString
	var status string
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &userID, &sessionType, &status, &sess.Algorithm, &policyRef,
		&sess.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	sess.UserID = userID.String
	sess.SessionType = sessionType.String
	sess.PolicyRef = policyRef.String
	sess.Status = models.SessionStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// SaveExperience inserts or replaces an experience. The owning session must exist.
func (s *SQLiteStore) SaveExperience(ctx context.Context, exp *models.Experience) error {
	const op = "store.save_experience"
	payload, err := json.Marshal(exp)
	if err != nil {
		return dberr.Errorf(dberr.KindInvalidArgument, op, "failed to marshal experience: %w", err)
	}
	return s.write(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO experiences (id, session_id, task_type, tool_name, action, reward, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			exp.ID, exp.SessionID, exp.TaskType, exp.ToolName, exp.Action, exp.Reward, string(payload), exp.Timestamp,
		)
		if isConstraint(err) {
			return dberr.Errorf(dberr.KindNotFound, op, "session %s", exp.SessionID)
		}
		return err
	})
}

// UpdateExperienceReward refines the reward of a stored experience after feedback.
func (s *SQLiteStore) UpdateExperienceReward(ctx context.Context, id string, reward float64, breakdown models.RewardBreakdown) error {
	const op = "store.update_experience"
	return s.write(ctx, op, func(tx *sql.Tx) error {
		var payload string
		err := tx.QueryRowContext(ctx, `SELECT payload FROM experiences WHERE id = ?`, id).Scan(&payload)
		if err == sql.ErrNoRows {
			return dberr.Errorf(dberr.KindNotFound, op, "experience %s", id)
		}
		if err != nil {
			return err
		}
		var exp models.Experience
		if err := json.Unmarshal([]byte(payload), &exp); err != nil {
			return dberr.Errorf(dberr.KindStorage, op, "corrupt experience payload: %w", err)
		}
		exp.Reward = reward
		exp.Breakdown = breakdown
		updated, err := json.Marshal(&exp)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE experiences SET reward = ?, payload = ? WHERE id = ?`,
			reward, string(updated), id)
		return err
	})
}

// GetExperience returns an experience by id, or ErrNotFound.
func (s *SQLiteStore) GetExperience(ctx context.Context, id string) (*models.Experience, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM experiences WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, dberr.Errorf(dberr.KindNotFound, "store.get_experience", "experience %s", id)
	}
	if err != nil {
		return nil, s.classify("store.get_experience", err)
	}
	var exp models.Experience
	if err := json.Unmarshal([]byte(payload), &exp); err != nil {
		return nil, dberr.Errorf(dberr.KindStorage, "store.get_experience", "corrupt experience payload: %w", err)
	}
	return &exp, nil
}

// ListExperiences returns a session's experiences in recording order. An empty sessionID lists all.
func (s *SQLiteStore) ListExperiences(ctx context.Context, sessionID string) ([]*models.Experience, error) {
	query := `SELECT payload FROM experiences`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify("store.list_experiences", err)
	}
	defer rows.Close()
	var out []*models.Experience
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, s.classify("store.list_experiences", err)
		}
		var exp models.Experience
		if err := json.Unmarshal([]byte(payload), &exp); err != nil {
			return nil, dberr.Errorf(dberr.KindStorage, "store.list_experiences", "corrupt experience payload: %w", err)
		}
		out = append(out, &exp)
	}
	return out, rows.Err()
}

// DeleteExperience removes an experience, or returns ErrNotFound.
func (s *SQLiteStore) DeleteExperience(ctx context.Context, id string) error {
	const op = "store.delete_experience"
	return s.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM experiences WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireRow(res, op, "experience", id)
	})
}

// CountExperiences returns how many experiences a session has recorded.
func (s *SQLiteStore) CountExperiences(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiences WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, s.classify("store.count_experiences", err)
	}
	return n, nil
}

// SavePolicy upserts a policy snapshot.
func (s *SQLiteStore) SavePolicy(ctx context.Context, policy *PolicyBlob) error {
	return s.write(ctx, "store.save_policy", func(tx *sql.Tx) error {
		return upsertPolicy(ctx, tx, policy)
	})
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, p *PolicyBlob) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO policies (ref, session_id, algorithm, data, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET data = excluded.data, algorithm = excluded.algorithm,
			updated_at = excluded.updated_at`,
		p.Ref, p.SessionID, p.Algorithm, p.Data, time.Now().UTC(),
	)
	return err
}

// LoadPolicy returns the snapshot stored under ref, or ErrNotFound.
func (s *SQLiteStore) LoadPolicy(ctx context.Context, ref string) (*PolicyBlob, error) {
	var p PolicyBlob
	var sessionID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT ref, session_id, algorithm, data FROM policies WHERE ref = ?`, ref,
	).Scan(&p.Ref, &sessionID, &p.Algorithm, &p.Data)
	if err == sql.ErrNoRows {
		return nil, dberr.Errorf(dberr.KindNotFound, "store.load_policy", "policy %s", ref)
	}
	if err != nil {
		return nil, s.classify("store.load_policy", err)
	}
	p.SessionID = sessionID.String
	return &p, nil
}

// ListPolicies returns every stored policy snapshot.
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*PolicyBlob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref, session_id, algorithm, data FROM policies ORDER BY ref`)
	if err != nil {
		return nil, s.classify("store.list_policies", err)
	}
	defer rows.Close()
	var out []*PolicyBlob
	for rows.Next() {
		var p PolicyBlob
		var sessionID sql.NullString
		if err := rows.Scan(&p.Ref, &sessionID, &p.Algorithm, &p.Data); err != nil {
			return nil, s.classify("store.list_policies", err)
		}
		p.SessionID = sessionID.String
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SaveQuantizer stores the serialized quantizer state.
func (s *SQLiteStore) SaveQuantizer(ctx context.Context, state []byte) error {
	return s.write(ctx, "store.save_quantizer", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quantizers (name, state, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
			defaultQuantizer, state, time.Now().UTC())
		return err
	})
}

// LoadQuantizer returns the serialized quantizer state, or ErrNotFound when none was trained.
func (s *SQLiteStore) LoadQuantizer(ctx context.Context) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM quantizers WHERE name = ?`, defaultQuantizer).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, dberr.Errorf(dberr.KindNotFound, "store.load_quantizer", "no trained quantizer")
	}
	if err != nil {
		return nil, s.classify("store.load_quantizer", err)
	}
	return state, nil
}
