// Package sqlstore persists listener checkpoints and a queryable projection
// of episode events in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/proxy"
	"github.com/kasdapp/kdapp-go/kdapp/sqlstore/sqlitekdapp"
	_ "github.com/mattn/go-sqlite3"
)

const eventsSchemaVersion = uint64(1)

var ErrNetworkMismatch = errors.New("database belongs to another network")

// SQLStore encapsulates the SQLite database.
type SQLStore struct {
	db *sql.DB
}

var _ proxy.Checkpointer = (*SQLStore)(nil)

// NewStore opens or creates dbFile. Tables written by an older schema version
// are dropped and rebuilt; they only hold data the listener can replay.
func NewStore(dbFile string) (*SQLStore, error) {
	dir := filepath.Dir(dbFile)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=true", dbFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	readVersion := true
	eventsVersion := uint64(0)

	var tableName string
	err = db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_versions';
	`).Scan(&tableName)

	switch err {
	case sql.ErrNoRows:
		readVersion = false
		log.Info("kdapp: new database", "file", dbFile)
	case nil:
	default:
		db.Close()
		return nil, fmt.Errorf("failed to check schema: %w", err)
	}

	if readVersion {
		err = db.QueryRowContext(ctx, `SELECT events FROM schema_versions WHERE id = 1;`).Scan(&eventsVersion)
		switch err {
		case sql.ErrNoRows:
			log.Warn("kdapp: no schema version info found, table empty")
		case nil:
			log.Debug("kdapp: schema version read from database", "events", eventsVersion)
		default:
			db.Close()
			return nil, fmt.Errorf("failed to check schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if readVersion && eventsVersion != eventsSchemaVersion {
		log.Warn(
			"kdapp: event tables have an outdated schema, dropping them",
			"existingVersion", eventsVersion,
			"requiredVersion", eventsSchemaVersion,
		)
		for _, table := range []string{"episode_events", "episodes", "processing_status"} {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+table+`;`); err != nil {
				tx.Rollback()
				db.Close()
				return nil, fmt.Errorf("failed to drop %s table: %w", table, err)
			}
		}
	}

	if err := sqlitekdapp.ApplySchemaTx(ctx, tx); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO schema_versions (id, events) VALUES (1, ?);`,
		eventsSchemaVersion)
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, fmt.Errorf("failed to update schema versions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info("kdapp: database ready", "file", dbFile, "schemaVersion", eventsSchemaVersion)
	return &SQLStore{db: db}, nil
}

func (e *SQLStore) Close() error {
	return e.db.Close()
}

// GetQueries returns queries running in autocommit mode.
func (e *SQLStore) GetQueries() *sqlitekdapp.Queries {
	return sqlitekdapp.New(e.db)
}

func (e *SQLStore) inTx(ctx context.Context, fn func(q *sqlitekdapp.Queries) error) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()
	if err = fn(sqlitekdapp.New(tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *SQLStore) LoadCheckpoint(ctx context.Context, network string) (*proxy.Checkpoint, error) {
	row, err := e.GetQueries().GetProcessingStatus(ctx, network)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processing status: %w", err)
	}
	return &proxy.Checkpoint{
		Network: row.Network,
		Sink:    common.HexToHash(row.SinkHash),
		SinkDAA: uint64(row.SinkDaa),
		Safe:    common.HexToHash(row.SafeHash),
		SafeDAA: uint64(row.SafeDaa),
	}, nil
}

// SaveCheckpoint refuses to store a second network in the same database.
func (e *SQLStore) SaveCheckpoint(ctx context.Context, cp proxy.Checkpoint) error {
	return e.inTx(ctx, func(q *sqlitekdapp.Queries) error {
		_, err := q.GetProcessingStatus(ctx, cp.Network)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			count, err := q.CountNetworks(ctx)
			if err != nil {
				return fmt.Errorf("failed to count networks: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: cannot add %s", ErrNetworkMismatch, cp.Network)
			}
		case err != nil:
			return fmt.Errorf("failed to get processing status: %w", err)
		}

		err = q.UpsertProcessingStatus(ctx, sqlitekdapp.UpsertProcessingStatusParams{
			Network:  cp.Network,
			SinkHash: cp.Sink.Hex(),
			SinkDaa:  int64(cp.SinkDAA),
			SafeHash: cp.Safe.Hex(),
			SafeDaa:  int64(cp.SafeDAA),
		})
		if err != nil {
			return fmt.Errorf("failed to update processing status: %w", err)
		}
		return nil
	})
}

// Reset empties the episode projection and the checkpoint of network before
// a replay rebuilds them. A database holding another network is left alone
// and ErrNetworkMismatch is returned.
func (e *SQLStore) Reset(ctx context.Context, network string) error {
	return e.inTx(ctx, func(q *sqlitekdapp.Queries) error {
		_, err := q.GetProcessingStatus(ctx, network)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			count, err := q.CountNetworks(ctx)
			if err != nil {
				return fmt.Errorf("failed to count networks: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: cannot reset for %s", ErrNetworkMismatch, network)
			}
		case err != nil:
			return fmt.Errorf("failed to get processing status: %w", err)
		}

		if err := q.DeleteAllEvents(ctx); err != nil {
			return fmt.Errorf("failed to delete events: %w", err)
		}
		if err := q.DeleteAllEpisodes(ctx); err != nil {
			return fmt.Errorf("failed to delete episodes: %w", err)
		}
		if err := q.DeleteProcessingStatus(ctx, network); err != nil {
			return fmt.Errorf("failed to delete processing status: %w", err)
		}
		log.Info("kdapp: projection reset", "network", network)
		return nil
	})
}

// GetEpisode returns nil when the episode does not exist.
func (e *SQLStore) GetEpisode(ctx context.Context, id uint32) (*sqlitekdapp.Episode, error) {
	ep, err := e.GetQueries().GetEpisode(ctx, int64(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode %d: %w", id, err)
	}
	return &ep, nil
}

func (e *SQLStore) ListEpisodes(ctx context.Context) ([]sqlitekdapp.Episode, error) {
	eps, err := e.GetQueries().ListEpisodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	return eps, nil
}

// ListEvents returns the events of an episode that are still on the selected
// chain, oldest first.
func (e *SQLStore) ListEvents(ctx context.Context, id uint32) ([]sqlitekdapp.EpisodeEvent, error) {
	evs, err := e.GetQueries().ListEventsForEpisode(ctx, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to list events of episode %d: %w", id, err)
	}
	return evs, nil
}
