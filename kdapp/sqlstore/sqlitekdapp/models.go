package sqlitekdapp

type ProcessingStatus struct {
	Network  string
	SinkHash string
	SinkDaa  int64
	SafeHash string
	SafeDaa  int64
}

type Episode struct {
	EpisodeID    int64
	State        string
	CreatedBlock string
	UpdatedDaa   int64
}

type EpisodeEvent struct {
	ID            int64
	EpisodeID     int64
	Kind          string
	BlockHash     string
	AcceptingDaa  int64
	AcceptingTime int64
	TxID          string
	Author        string
	Detail        string
}
