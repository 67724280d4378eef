package sqlstore

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
	"github.com/kasdapp/kdapp-go/kdapp/sqlstore/sqlitekdapp"
)

const (
	EventInitialize = "initialize"
	EventCommand    = "command"
	EventReject     = "reject"
)

// Recorder is an episode event handler that mirrors episode state and
// history into the store. Events of a reverted block are deleted before the
// engine unwinds it, so the tables only describe the selected chain.
//
// Episode state is stored as its fmt representation.
type Recorder[C any, R any] struct {
	store *SQLStore
	ctx   context.Context
}

var _ episode.RevertObserver = (*Recorder[struct{}, struct{}])(nil)

func NewRecorder[C any, R any](ctx context.Context, store *SQLStore) *Recorder[C, R] {
	return &Recorder[C, R]{store: store, ctx: ctx}
}

func (r *Recorder[C, R]) OnInitialize(id episode.ID, ep episode.Episode[C, R], md *episode.PayloadMetadata) {
	r.write("initialize", id, func(q *sqlitekdapp.Queries) error {
		err := q.UpsertEpisode(r.ctx, sqlitekdapp.UpsertEpisodeParams{
			EpisodeID:    int64(id),
			State:        fmt.Sprint(ep),
			CreatedBlock: md.AcceptingHash.Hex(),
			UpdatedDaa:   int64(md.AcceptingDAA),
		})
		if err != nil {
			return err
		}
		return q.InsertEvent(r.ctx, eventParams(id, EventInitialize, md, nil, ""))
	})
}

func (r *Recorder[C, R]) OnCommand(id episode.ID, ep episode.Episode[C, R], cmd *C, auth *pki.PubKey, md *episode.PayloadMetadata) {
	r.write("command", id, func(q *sqlitekdapp.Queries) error {
		err := q.UpsertEpisode(r.ctx, sqlitekdapp.UpsertEpisodeParams{
			EpisodeID:    int64(id),
			State:        fmt.Sprint(ep),
			CreatedBlock: md.AcceptingHash.Hex(),
			UpdatedDaa:   int64(md.AcceptingDAA),
		})
		if err != nil {
			return err
		}
		return q.InsertEvent(r.ctx, eventParams(id, EventCommand, md, auth, fmt.Sprintf("%+v", *cmd)))
	})
}

func (r *Recorder[C, R]) OnRollback(id episode.ID, ep episode.Episode[C, R]) {
	r.write("rollback", id, func(q *sqlitekdapp.Queries) error {
		if ep == nil {
			return q.DeleteEpisode(r.ctx, int64(id))
		}
		return q.UpdateEpisodeState(r.ctx, fmt.Sprint(ep), int64(id))
	})
}

func (r *Recorder[C, R]) OnReject(id episode.ID, err error, md *episode.PayloadMetadata) {
	r.write("reject", id, func(q *sqlitekdapp.Queries) error {
		return q.InsertEvent(r.ctx, eventParams(id, EventReject, md, nil, err.Error()))
	})
}

func (r *Recorder[C, R]) OnBlockReverted(hash common.Hash) {
	n, err := r.store.GetQueries().DeleteEventsForBlock(r.ctx, hash.Hex())
	if err != nil {
		log.Error("failed to delete events of reverted block", "block", hash, "err", err)
		return
	}
	log.Debug("deleted events of reverted block", "block", hash, "events", n)
}

func (r *Recorder[C, R]) write(what string, id episode.ID, fn func(q *sqlitekdapp.Queries) error) {
	if err := r.store.inTx(r.ctx, fn); err != nil {
		log.Error("failed to record episode event", "event", what, "episode", id, "err", err)
	}
}

func eventParams(id episode.ID, kind string, md *episode.PayloadMetadata, auth *pki.PubKey, detail string) sqlitekdapp.InsertEventParams {
	p := sqlitekdapp.InsertEventParams{
		EpisodeID: int64(id),
		Kind:      kind,
		Detail:    detail,
	}
	if md != nil {
		p.BlockHash = md.AcceptingHash.Hex()
		p.AcceptingDaa = int64(md.AcceptingDAA)
		p.AcceptingTime = int64(md.AcceptingTime)
		p.TxID = md.TxID.Hex()
	}
	if auth != nil {
		p.Author = auth.String()
	}
	return p
}
