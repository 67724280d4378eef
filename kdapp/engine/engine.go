// Package engine applies decoded episode messages to application state
// machines in ledger order and unwinds them when the ledger reorganizes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/payload"
)

var (
	ErrEpisodeExists   = errors.New("episode already exists")
	ErrUnknownEpisode  = errors.New("unknown episode")
	ErrEpisodeMismatch = errors.New("message addressed to another episode")
	// ErrStaleEpisode rejects commands for an episode whose history could
	// not be unwound. The episode has to be resynchronized.
	ErrStaleEpisode = errors.New("episode is stale")
	// ErrReorgTooDeep is returned when a reverted block is older than the
	// retained rollback history.
	ErrReorgTooDeep = errors.New("reorg deeper than rollback history, resynchronization required")
)

type Config struct {
	// RollbackHorizon is how far, in DAA score, undo history is kept behind
	// the newest accepted block.
	RollbackHorizon uint64
	// PrunedBlockMemory is how many pruned accepting blocks are remembered to
	// detect reorgs past the horizon.
	PrunedBlockMemory int
}

func DefaultConfig() Config {
	return Config{
		RollbackHorizon:   432_000,
		PrunedBlockMemory: 4096,
	}
}

type entry[R any] struct {
	acceptingHash common.Hash
	acceptingDAA  uint64
	creation      bool
	rb            R
}

// slot serializes everything that touches one episode.
type slot[C any, R any] struct {
	mu    sync.Mutex
	ep    episode.Episode[C, R]
	stack []entry[R]
	stale bool
}

type blockRecord struct {
	daa      uint64
	episodes mapset.Set[episode.ID]
}

// Engine owns every episode of one application. Submit may be called
// concurrently; commands for the same episode are applied one at a time.
//
// e.mu guards the maps and is never acquired while a slot lock is held.
// Handler calls for an episode are made under its slot lock, or under e.mu
// while the episode has no slot.
type Engine[C any, R any] struct {
	init    episode.Initializer[C, R]
	handler episode.EventHandler[C, R]
	cfg     Config

	mu        sync.Mutex
	episodes  map[episode.ID]*slot[C, R]
	blocks    map[common.Hash]*blockRecord
	pruned    lru.BasicLRU[common.Hash, []episode.ID]
	latestDAA uint64
}

func New[C any, R any](init episode.Initializer[C, R], handler episode.EventHandler[C, R], cfg Config) *Engine[C, R] {
	if handler == nil {
		handler = episode.NopHandler[C, R]{}
	}
	if cfg.PrunedBlockMemory <= 0 {
		cfg.PrunedBlockMemory = DefaultConfig().PrunedBlockMemory
	}
	return &Engine[C, R]{
		init:     init,
		handler:  handler,
		cfg:      cfg,
		episodes: map[episode.ID]*slot[C, R]{},
		blocks:   map[common.Hash]*blockRecord{},
		pruned:   lru.NewBasicLRU[common.Hash, []episode.ID](cfg.PrunedBlockMemory),
	}
}

// Run consumes listener messages until ch is closed, Exit arrives or ctx
// ends.
func (e *Engine[C, R]) Run(ctx context.Context, ch <-chan Msg) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			switch m := m.(type) {
			case BlockAccepted:
				e.ApplyBlock(&m)
			case BlockReverted:
				if err := e.RevertBlock(m.AcceptingHash); err != nil {
					log.Error("failed to revert block", "hash", m.AcceptingHash, "err", err)
				}
			case Exit:
				log.Info("episode engine exiting")
				return nil
			}
		}
	}
}

// ApplyBlock submits every transaction of b in order. A block that was
// already applied is ignored, so a resumed listener may deliver it again.
// Pruned blocks are remembered for this as long as PrunedBlockMemory allows.
func (e *Engine[C, R]) ApplyBlock(b *BlockAccepted) {
	e.mu.Lock()
	_, applied := e.blocks[b.AcceptingHash]
	if applied || e.pruned.Contains(b.AcceptingHash) {
		e.mu.Unlock()
		log.Debug("skipping already applied block", "hash", b.AcceptingHash)
		return
	}
	e.recordLocked(b.AcceptingHash, b.AcceptingDAA)
	e.mu.Unlock()

	for i := range b.Txs {
		tx := &b.Txs[i]
		if err := e.Submit(tx.Message.EpisodeID, tx.Message, b.metadata(tx)); err != nil {
			log.Debug("episode message rejected", "episode", tx.Message.EpisodeID, "txid", tx.TxID, "err", err)
		}
	}

	e.prune(b.AcceptingDAA)
}

// Submit applies one message. Rejections are reported to the event handler
// and returned; they leave the episode unchanged.
func (e *Engine[C, R]) Submit(id episode.ID, msg *payload.Message, md *episode.PayloadMetadata) error {
	if msg.EpisodeID != id {
		_, unlock := e.lockEpisode(id, nil)
		defer unlock()
		return e.reject(id, fmt.Errorf("%w: %d", ErrEpisodeMismatch, msg.EpisodeID), md)
	}
	if msg.Kind == payload.KindNewEpisode {
		return e.create(id, msg, md)
	}

	s, unlock := e.lockEpisode(id, md)
	defer unlock()

	auth, err := msg.Authorize()
	if err != nil {
		return e.reject(id, err, md)
	}
	var cmd C
	if err := rlp.DecodeBytes(msg.Command, &cmd); err != nil {
		return e.reject(id, episode.InvalidCommand(err), md)
	}

	switch {
	case s == nil || s.ep == nil:
		return e.reject(id, fmt.Errorf("%w: %d", ErrUnknownEpisode, id), md)
	case s.stale:
		return e.reject(id, fmt.Errorf("%w: %d", ErrStaleEpisode, id), md)
	}

	rb, err := s.ep.Execute(&cmd, auth, md)
	if err != nil {
		return e.reject(id, err, md)
	}
	s.stack = append(s.stack, entry[R]{
		acceptingHash: md.AcceptingHash,
		acceptingDAA:  md.AcceptingDAA,
		rb:            rb,
	})
	e.handler.OnCommand(id, s.ep, &cmd, auth, md)
	return nil
}

// lockEpisode locks the slot of id and, when md is set, records id as
// touched by the accepting block. An episode without a slot is locked
// through e.mu instead, which keeps its rejections ordered with a
// concurrent creation. The returned slot is nil in that case.
func (e *Engine[C, R]) lockEpisode(id episode.ID, md *episode.PayloadMetadata) (*slot[C, R], func()) {
	e.mu.Lock()
	s, ok := e.episodes[id]
	if !ok {
		return nil, e.mu.Unlock
	}
	if md != nil {
		e.recordEpisodeLocked(md, id)
	}
	e.mu.Unlock()
	s.mu.Lock()
	return s, s.mu.Unlock
}

func (e *Engine[C, R]) create(id episode.ID, msg *payload.Message, md *episode.PayloadMetadata) error {
	e.mu.Lock()
	if s, ok := e.episodes[id]; ok {
		e.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return e.reject(id, fmt.Errorf("%w: %d", ErrEpisodeExists, id), md)
	}
	ep, err := e.init(msg.Participants, md)
	if err != nil {
		defer e.mu.Unlock()
		return e.reject(id, episode.InvalidCommand(err), md)
	}
	s := &slot[C, R]{
		ep:    ep,
		stack: []entry[R]{{acceptingHash: md.AcceptingHash, acceptingDAA: md.AcceptingDAA, creation: true}},
	}
	// s stays invisible to other goroutines until e.mu is released.
	s.mu.Lock()
	e.episodes[id] = s
	e.recordEpisodeLocked(md, id)
	e.mu.Unlock()
	defer s.mu.Unlock()

	log.Info("episode created", "episode", id, "participants", len(msg.Participants), "block", md.AcceptingHash)
	e.handler.OnInitialize(id, ep, md)
	return nil
}

// reject must be called with the episode locked, see lockEpisode.
func (e *Engine[C, R]) reject(id episode.ID, err error, md *episode.PayloadMetadata) error {
	e.handler.OnReject(id, err, md)
	return err
}

func (e *Engine[C, R]) recordLocked(hash common.Hash, daa uint64) *blockRecord {
	rec, ok := e.blocks[hash]
	if !ok {
		rec = &blockRecord{daa: daa, episodes: mapset.NewThreadUnsafeSet[episode.ID]()}
		e.blocks[hash] = rec
	}
	return rec
}

func (e *Engine[C, R]) recordEpisodeLocked(md *episode.PayloadMetadata, id episode.ID) {
	e.recordLocked(md.AcceptingHash, md.AcceptingDAA).episodes.Add(id)
}

// RollbackTo pops up to depth entries from the episode's history, newest
// first, and returns how many were popped. Popping the creation entry
// deletes the episode.
func (e *Engine[C, R]) RollbackTo(id episode.ID, depth int) int {
	e.mu.Lock()
	s, ok := e.episodes[id]
	e.mu.Unlock()
	if !ok || depth <= 0 {
		return 0
	}

	s.mu.Lock()
	depth = min(depth, len(s.stack))
	deleted := e.unwindLocked(id, s, len(s.stack)-depth)
	s.mu.Unlock()

	if deleted {
		e.forget(id, s)
	}
	return depth
}

// RevertBlock unwinds every episode entry applied from the accepting block
// hash, together with anything applied after it. A hash the engine never
// applied is ignored. A hash whose history was already pruned returns
// ErrReorgTooDeep and marks the affected episodes stale.
func (e *Engine[C, R]) RevertBlock(hash common.Hash) error {
	e.mu.Lock()
	rec, ok := e.blocks[hash]
	if !ok {
		ids, wasPruned := e.pruned.Get(hash)
		var slots []*slot[C, R]
		for _, id := range ids {
			if s, ok := e.episodes[id]; ok {
				slots = append(slots, s)
			}
		}
		e.mu.Unlock()
		if !wasPruned {
			return nil
		}
		for _, s := range slots {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}
		log.Error("reverted block is older than the rollback history", "hash", hash, "episodes", ids)
		return fmt.Errorf("%w: block %s", ErrReorgTooDeep, hash.Hex())
	}
	delete(e.blocks, hash)
	ids := rec.episodes.ToSlice()
	slices.Sort(ids)
	slots := make(map[episode.ID]*slot[C, R], len(ids))
	for _, id := range ids {
		if s, ok := e.episodes[id]; ok {
			slots[id] = s
		}
	}
	e.mu.Unlock()

	if o, ok := e.handler.(episode.RevertObserver); ok {
		o.OnBlockReverted(hash)
	}

	for _, id := range ids {
		s, ok := slots[id]
		if !ok {
			continue
		}
		s.mu.Lock()
		i := slices.IndexFunc(s.stack, func(en entry[R]) bool { return en.acceptingHash == hash })
		deleted := false
		if i >= 0 {
			log.Info("reverting episode", "episode", id, "block", hash, "entries", len(s.stack)-i)
			deleted = e.unwindLocked(id, s, i)
		}
		s.mu.Unlock()
		if deleted {
			e.forget(id, s)
		}
	}
	return nil
}

// unwindLocked pops s.stack down to length keep and reports whether the
// creation entry was popped. A failed rollback marks the episode stale.
func (e *Engine[C, R]) unwindLocked(id episode.ID, s *slot[C, R], keep int) bool {
	for len(s.stack) > keep {
		top := s.stack[len(s.stack)-1]
		s.stack = s.stack[:len(s.stack)-1]
		if top.creation {
			s.ep = nil
			s.stack = nil
			e.handler.OnRollback(id, nil)
			return true
		}
		if !s.ep.Rollback(top.rb) {
			s.stale = true
			log.Error("episode rollback failed, episode is stale", "episode", id, "block", top.acceptingHash)
		}
		e.handler.OnRollback(id, s.ep)
	}
	return false
}

func (e *Engine[C, R]) forget(id episode.ID, s *slot[C, R]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.episodes[id] == s {
		delete(e.episodes, id)
	}
}

// prune drops the history of blocks that fell behind the rollback horizon.
func (e *Engine[C, R]) prune(daa uint64) {
	e.mu.Lock()
	if daa <= e.latestDAA {
		e.mu.Unlock()
		return
	}
	e.latestDAA = daa
	if daa <= e.cfg.RollbackHorizon {
		e.mu.Unlock()
		return
	}
	cutoff := daa - e.cfg.RollbackHorizon

	old := map[common.Hash]struct{}{}
	touched := mapset.NewThreadUnsafeSet[episode.ID]()
	for hash, rec := range e.blocks {
		if rec.daa >= cutoff {
			continue
		}
		ids := rec.episodes.ToSlice()
		e.pruned.Add(hash, ids)
		touched.Append(ids...)
		old[hash] = struct{}{}
		delete(e.blocks, hash)
	}
	var slots []*slot[C, R]
	for id := range touched.Iter() {
		if s, ok := e.episodes[id]; ok {
			slots = append(slots, s)
		}
	}
	e.mu.Unlock()

	if len(old) == 0 {
		return
	}
	for _, s := range slots {
		s.mu.Lock()
		s.stack = slices.DeleteFunc(s.stack, func(en entry[R]) bool {
			_, ok := old[en.acceptingHash]
			return ok
		})
		s.mu.Unlock()
	}
	log.Debug("pruned rollback history", "blocks", len(old), "cutoff", cutoff)
}

// View calls fn with the episode while holding its lock. It reports false
// when the episode does not exist.
func (e *Engine[C, R]) View(id episode.ID, fn func(ep episode.Episode[C, R])) bool {
	e.mu.Lock()
	s, ok := e.episodes[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return false
	}
	fn(s.ep)
	return true
}

// Depth is the number of entries that can still be unwound for id.
func (e *Engine[C, R]) Depth(id episode.ID) int {
	e.mu.Lock()
	s, ok := e.episodes[id]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

func (e *Engine[C, R]) Stale(id episode.ID) bool {
	e.mu.Lock()
	s, ok := e.episodes[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func (e *Engine[C, R]) Episodes() []episode.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.episodes))
}
