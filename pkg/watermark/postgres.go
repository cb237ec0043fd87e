package watermark

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sluicedata/sluice/pkg/errors"
)

// PostgresStore persists watermark state in a Postgres table so multiple
// hosts can share one state. Commits are conditional on the position the
// run observed, so concurrent runs of one pipeline cannot clobber each
// other.
type PostgresStore struct {
	conn *pgx.Conn
}

const createStateTableSQL = `
	CREATE TABLE IF NOT EXISTS pipeline_watermarks (
		pipeline_name   TEXT PRIMARY KEY,
		incremental_key TEXT NOT NULL,
		last_value      TEXT NOT NULL,
		last_run_at     TIMESTAMPTZ NOT NULL,
		last_status     TEXT NOT NULL
	)
`

// NewPostgresStore connects and ensures the state table exists.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect watermark store")
	}
	if _, err := conn.Exec(ctx, createStateTableSQL); err != nil {
		conn.Close(ctx)
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to create watermark table")
	}
	return &PostgresStore{conn: conn}, nil
}

// Close releases the connection.
func (s *PostgresStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, pipelineName string) (*State, error) {
	const query = `
		SELECT pipeline_name, incremental_key, last_value, last_run_at, last_status
		FROM pipeline_watermarks
		WHERE pipeline_name = $1
	`

	var state State
	err := s.conn.QueryRow(ctx, query, pipelineName).Scan(
		&state.PipelineName,
		&state.IncrementalKey,
		&state.LastValue,
		&state.LastRunAt,
		&state.LastStatus,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read watermark state")
	}
	return &state, nil
}

// Commit is a compare-and-set against the position observed at Get. With no
// prior it inserts and defers to any concurrent insert; with a prior it
// updates only the row still holding the prior position. Zero rows affected
// means another run committed first.
func (s *PostgresStore) Commit(ctx context.Context, state *State, prior *State) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if prior == nil {
		const insert = `
			INSERT INTO pipeline_watermarks
				(pipeline_name, incremental_key, last_value, last_run_at, last_status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pipeline_name) DO NOTHING
		`
		tag, err = s.conn.Exec(ctx, insert,
			state.PipelineName,
			state.IncrementalKey,
			state.LastValue,
			state.LastRunAt,
			state.LastStatus,
		)
	} else {
		const update = `
			UPDATE pipeline_watermarks SET
				incremental_key = $2,
				last_value = $3,
				last_run_at = $4,
				last_status = $5
			WHERE pipeline_name = $1
			  AND last_value = $6
			  AND last_run_at = $7
		`
		tag, err = s.conn.Exec(ctx, update,
			state.PipelineName,
			state.IncrementalKey,
			state.LastValue,
			state.LastRunAt,
			state.LastStatus,
			prior.LastValue,
			prior.LastRunAt,
		)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to commit watermark state")
	}
	if tag.RowsAffected() == 0 {
		return conflict(state.PipelineName)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, pipelineName string) error {
	_, err := s.conn.Exec(ctx,
		"DELETE FROM pipeline_watermarks WHERE pipeline_name = $1", pipelineName)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to clear watermark state")
	}
	return nil
}
