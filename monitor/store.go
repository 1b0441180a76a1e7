package monitor

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO

	"codemachine.dev/core/internal/coreerr"
)

// Store is the embedded relational store of §4.8, backed by one SQLite
// file (logs/registry.db, §6). Grounded on nevindra-oasis/store/sqlite.Store:
// same single-connection-pool trick (SetMaxOpenConns(1) serializes every
// writer through one connection so only genuinely concurrent external
// processes ever see SQLITE_BUSY) and the same db.ExecContext/QueryContext
// idiom, adapted from a vector-search document store to the agents/
// telemetry schema this spec names.
type Store struct {
	db     *sql.DB
	retry  RetryConfig
}

// Open opens (creating if absent) the SQLite file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, coreerr.New(coreerr.CodeStoreConnectionFailed, "failed to open agent monitor store", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, retry: BusyRetryConfig()}, nil
}

// Init creates the agents/telemetry schema (§4.8) if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	return doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			engine TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL,
			parent_id INTEGER,
			prompt_truncated TEXT,
			start_time INTEGER NOT NULL,
			end_time INTEGER,
			error TEXT
		)`)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS telemetry (
			agent_id INTEGER PRIMARY KEY REFERENCES agents(id),
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cached INTEGER,
			cost REAL,
			duration_ms INTEGER
		)`)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id)`)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`)
		return err
	})
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateAgent inserts a new agent record in status pending and returns
// its assigned id (§3: "id: monotonically assigned integer").
func (s *Store) CreateAgent(ctx context.Context, name, engineID, model string, parentID *int64, prompt string) (int64, error) {
	var id int64
	err := doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (name, engine, model, status, parent_id, prompt_truncated, start_time)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, engineID, model, string(StatusPending), parentID, truncatePrompt(prompt), time.Now().UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, coreerr.New(coreerr.CodeStoreTransactionFailed, "failed to create agent record", err)
	}
	return id, nil
}

// UpdateStatus transitions an agent's status within one transaction,
// rejecting transitions CanTransition disallows (§8 invariant 1). When
// to is a terminal status, end_time is set; errMsg, if non-nil, is
// stored in the error column.
func (s *Store) UpdateStatus(ctx context.Context, id int64, to Status, errMsg *string) error {
	err := doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return coreerr.New(coreerr.CodeStoreRecordNotFound, "agent not found", err)
			}
			return err
		}

		from := Status(current)
		if !CanTransition(from, to) {
			return transitionError(from, to)
		}

		var endTime *int64
		if terminalStatuses[to] {
			now := time.Now().UnixMilli()
			endTime = &now
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ?, end_time = ?, error = ? WHERE id = ?`,
			string(to), endTime, errMsg, id,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return err
	}
	return nil
}

// UpdateTelemetry upserts telemetry for id, merging with any existing
// row so numeric fields stay non-decreasing except Duration (§3).
func (s *Store) UpdateTelemetry(ctx context.Context, update AgentTelemetry) error {
	return doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		existing, err := scanTelemetry(tx.QueryRowContext(ctx,
			`SELECT agent_id, tokens_in, tokens_out, cached, cost, duration_ms FROM telemetry WHERE agent_id = ?`,
			update.AgentID))
		merged := update
		if err == nil {
			merged = existing.merge(update)
		} else if err != sql.ErrNoRows {
			return err
		}

		var durationMs int64
		if merged.Duration > 0 {
			durationMs = merged.Duration.Milliseconds()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO telemetry (agent_id, tokens_in, tokens_out, cached, cost, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET
			   tokens_in = excluded.tokens_in,
			   tokens_out = excluded.tokens_out,
			   cached = excluded.cached,
			   cost = excluded.cost,
			   duration_ms = excluded.duration_ms`,
			merged.AgentID, merged.TokensIn, merged.TokensOut, merged.Cached, merged.Cost, durationMs,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// GetAgent returns one agent record by id.
func (s *Store) GetAgent(ctx context.Context, id int64) (AgentRecord, error) {
	var rec AgentRecord
	err := doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		rec, err = scanAgent(s.db.QueryRowContext(ctx,
			`SELECT id, name, engine, model, status, parent_id, prompt_truncated, start_time, end_time, error
			 FROM agents WHERE id = ?`, id))
		return err
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return AgentRecord{}, coreerr.New(coreerr.CodeStoreRecordNotFound, "agent not found", err)
		}
		return AgentRecord{}, err
	}
	return rec, nil
}

// AgentFilter narrows QueryAgents (§4.8 queryAgents({status?, name?, parentId?})).
type AgentFilter struct {
	Status   *Status
	Name     *string
	ParentID *int64
}

// QueryAgents returns agents matching filter, ordered by id.
func (s *Store) QueryAgents(ctx context.Context, filter AgentFilter) ([]AgentRecord, error) {
	query := `SELECT id, name, engine, model, status, parent_id, prompt_truncated, start_time, end_time, error FROM agents WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Name != nil {
		query += ` AND name = ?`
		args = append(args, *filter.Name)
	}
	if filter.ParentID != nil {
		query += ` AND parent_id = ?`
		args = append(args, *filter.ParentID)
	}
	query += ` ORDER BY id`

	var out []AgentRecord
	err := doWithRetry(ctx, s.retry, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			rec, err := scanAgentRow(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

// GetChildren returns every agent whose ParentID equals parentID.
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]AgentRecord, error) {
	return s.QueryAgents(ctx, AgentFilter{ParentID: &parentID})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (AgentRecord, error) {
	var (
		rec        AgentRecord
		model      sql.NullString
		parentID   sql.NullInt64
		endTime    sql.NullInt64
		errMsg     sql.NullString
		startMs    int64
		statusText string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Engine, &model, &statusText, &parentID, &rec.Prompt, &startMs, &endTime, &errMsg); err != nil {
		return AgentRecord{}, err
	}
	rec.Status = Status(statusText)
	rec.StartTime = time.UnixMilli(startMs)
	if model.Valid {
		rec.Model = model.String
	}
	if parentID.Valid {
		id := parentID.Int64
		rec.ParentID = &id
	}
	if endTime.Valid {
		t := time.UnixMilli(endTime.Int64)
		rec.EndTime = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	return rec, nil
}

func scanAgentRow(rows *sql.Rows) (AgentRecord, error) { return scanAgent(rows) }

func scanTelemetry(row rowScanner) (AgentTelemetry, error) {
	var (
		t          AgentTelemetry
		cached     sql.NullInt64
		cost       sql.NullFloat64
		durationMs sql.NullInt64
	)
	if err := row.Scan(&t.AgentID, &t.TokensIn, &t.TokensOut, &cached, &cost, &durationMs); err != nil {
		return AgentTelemetry{}, err
	}
	if cached.Valid {
		c := int(cached.Int64)
		t.Cached = &c
	}
	if cost.Valid {
		c := cost.Float64
		t.Cost = &c
	}
	if durationMs.Valid {
		t.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	}
	return t, nil
}
