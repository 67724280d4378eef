package testutil

import (
	"sync"

	"github.com/kasdapp/kdapp-go/kdapp/counter"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

// EventLog counts the engine's episode events.
type EventLog struct {
	mu        sync.Mutex
	created   int
	commands  int
	rollbacks map[episode.ID]int
	rejects   []error
}

type EventCounts struct {
	Created   int
	Commands  int
	Rollbacks int
	Rejects   int
}

func (l *EventLog) OnInitialize(episode.ID, episode.Episode[counter.Command, counter.Rollback], *episode.PayloadMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created++
}

func (l *EventLog) OnCommand(episode.ID, episode.Episode[counter.Command, counter.Rollback], *counter.Command, *pki.PubKey, *episode.PayloadMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands++
}

func (l *EventLog) OnRollback(id episode.ID, _ episode.Episode[counter.Command, counter.Rollback]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rollbacks == nil {
		l.rollbacks = map[episode.ID]int{}
	}
	l.rollbacks[id]++
}

func (l *EventLog) OnReject(_ episode.ID, err error, _ *episode.PayloadMetadata) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejects = append(l.rejects, err)
}

// Counts returns the totals, with rollbacks of id only.
func (l *EventLog) Counts(id episode.ID) EventCounts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return EventCounts{
		Created:   l.created,
		Commands:  l.commands,
		Rollbacks: l.rollbacks[id],
		Rejects:   len(l.rejects),
	}
}
