package sqlitekdapp

import (
	"context"
)

const countNetworks = `-- name: CountNetworks :one
SELECT COUNT(*) FROM processing_status
`

func (q *Queries) CountNetworks(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countNetworks)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const getProcessingStatus = `-- name: GetProcessingStatus :one
SELECT network, sink_hash, sink_daa, safe_hash, safe_daa
FROM processing_status
WHERE network = ?
`

func (q *Queries) GetProcessingStatus(ctx context.Context, network string) (ProcessingStatus, error) {
	row := q.db.QueryRowContext(ctx, getProcessingStatus, network)
	var i ProcessingStatus
	err := row.Scan(
		&i.Network,
		&i.SinkHash,
		&i.SinkDaa,
		&i.SafeHash,
		&i.SafeDaa,
	)
	return i, err
}

const upsertProcessingStatus = `-- name: UpsertProcessingStatus :exec
INSERT INTO processing_status (network, sink_hash, sink_daa, safe_hash, safe_daa)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (network) DO UPDATE SET
    sink_hash = excluded.sink_hash,
    sink_daa = excluded.sink_daa,
    safe_hash = excluded.safe_hash,
    safe_daa = excluded.safe_daa
`

type UpsertProcessingStatusParams struct {
	Network  string
	SinkHash string
	SinkDaa  int64
	SafeHash string
	SafeDaa  int64
}

func (q *Queries) UpsertProcessingStatus(ctx context.Context, arg UpsertProcessingStatusParams) error {
	_, err := q.db.ExecContext(ctx, upsertProcessingStatus,
		arg.Network,
		arg.SinkHash,
		arg.SinkDaa,
		arg.SafeHash,
		arg.SafeDaa,
	)
	return err
}

const upsertEpisode = `-- name: UpsertEpisode :exec
INSERT INTO episodes (episode_id, state, created_block, updated_daa)
VALUES (?, ?, ?, ?)
ON CONFLICT (episode_id) DO UPDATE SET
    state = excluded.state,
    updated_daa = excluded.updated_daa
`

type UpsertEpisodeParams struct {
	EpisodeID    int64
	State        string
	CreatedBlock string
	UpdatedDaa   int64
}

func (q *Queries) UpsertEpisode(ctx context.Context, arg UpsertEpisodeParams) error {
	_, err := q.db.ExecContext(ctx, upsertEpisode,
		arg.EpisodeID,
		arg.State,
		arg.CreatedBlock,
		arg.UpdatedDaa,
	)
	return err
}

const updateEpisodeState = `-- name: UpdateEpisodeState :exec
UPDATE episodes SET state = ? WHERE episode_id = ?
`

func (q *Queries) UpdateEpisodeState(ctx context.Context, state string, episodeID int64) error {
	_, err := q.db.ExecContext(ctx, updateEpisodeState, state, episodeID)
	return err
}

const deleteEpisode = `-- name: DeleteEpisode :exec
DELETE FROM episodes WHERE episode_id = ?
`

func (q *Queries) DeleteEpisode(ctx context.Context, episodeID int64) error {
	_, err := q.db.ExecContext(ctx, deleteEpisode, episodeID)
	return err
}

const getEpisode = `-- name: GetEpisode :one
SELECT episode_id, state, created_block, updated_daa
FROM episodes
WHERE episode_id = ?
`

func (q *Queries) GetEpisode(ctx context.Context, episodeID int64) (Episode, error) {
	row := q.db.QueryRowContext(ctx, getEpisode, episodeID)
	var i Episode
	err := row.Scan(
		&i.EpisodeID,
		&i.State,
		&i.CreatedBlock,
		&i.UpdatedDaa,
	)
	return i, err
}

const listEpisodes = `-- name: ListEpisodes :many
SELECT episode_id, state, created_block, updated_daa
FROM episodes
ORDER BY episode_id
`

func (q *Queries) ListEpisodes(ctx context.Context) ([]Episode, error) {
	rows, err := q.db.QueryContext(ctx, listEpisodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Episode
	for rows.Next() {
		var i Episode
		if err := rows.Scan(
			&i.EpisodeID,
			&i.State,
			&i.CreatedBlock,
			&i.UpdatedDaa,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertEvent = `-- name: InsertEvent :exec
INSERT INTO episode_events (
    episode_id, kind, block_hash, accepting_daa, accepting_time, tx_id, author, detail
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

type InsertEventParams struct {
	EpisodeID     int64
	Kind          string
	BlockHash     string
	AcceptingDaa  int64
	AcceptingTime int64
	TxID          string
	Author        string
	Detail        string
}

func (q *Queries) InsertEvent(ctx context.Context, arg InsertEventParams) error {
	_, err := q.db.ExecContext(ctx, insertEvent,
		arg.EpisodeID,
		arg.Kind,
		arg.BlockHash,
		arg.AcceptingDaa,
		arg.AcceptingTime,
		arg.TxID,
		arg.Author,
		arg.Detail,
	)
	return err
}

const deleteEventsForBlock = `-- name: DeleteEventsForBlock :execrows
DELETE FROM episode_events WHERE block_hash = ?
`

func (q *Queries) DeleteEventsForBlock(ctx context.Context, blockHash string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteEventsForBlock, blockHash)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listEventsForEpisode = `-- name: ListEventsForEpisode :many
SELECT id, episode_id, kind, block_hash, accepting_daa, accepting_time, tx_id, author, detail
FROM episode_events
WHERE episode_id = ?
ORDER BY id
`

func (q *Queries) ListEventsForEpisode(ctx context.Context, episodeID int64) ([]EpisodeEvent, error) {
	rows, err := q.db.QueryContext(ctx, listEventsForEpisode, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []EpisodeEvent
	for rows.Next() {
		var i EpisodeEvent
		if err := rows.Scan(
			&i.ID,
			&i.EpisodeID,
			&i.Kind,
			&i.BlockHash,
			&i.AcceptingDaa,
			&i.AcceptingTime,
			&i.TxID,
			&i.Author,
			&i.Detail,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const deleteAllEvents = `-- name: DeleteAllEvents :exec
DELETE FROM episode_events
`

func (q *Queries) DeleteAllEvents(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllEvents)
	return err
}

const deleteAllEpisodes = `-- name: DeleteAllEpisodes :exec
DELETE FROM episodes
`

func (q *Queries) DeleteAllEpisodes(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllEpisodes)
	return err
}

const deleteProcessingStatus = `-- name: DeleteProcessingStatus :exec
DELETE FROM processing_status WHERE network = ?
`

func (q *Queries) DeleteProcessingStatus(ctx context.Context, network string) error {
	_, err := q.db.ExecContext(ctx, deleteProcessingStatus, network)
	return err
}
