package payload

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/kasdapp/kdapp-go/kdapp/episode"
	"github.com/kasdapp/kdapp-go/kdapp/pki"
)

// MaxParticipants bounds the participant list of a new episode.
const MaxParticipants = 1024

type Kind uint8

const (
	KindNewEpisode Kind = iota
	KindSignedCommand
	KindUnsignedCommand
)

func (k Kind) String() string {
	switch k {
	case KindNewEpisode:
		return "new-episode"
	case KindSignedCommand:
		return "signed-command"
	case KindUnsignedCommand:
		return "unsigned-command"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is the envelope carried after the payload header. Which fields are
// populated depends on Kind:
//   - KindNewEpisode: Participants.
//   - KindSignedCommand: Command, PubKey and Signature.
//   - KindUnsignedCommand: Command.
//
// Command holds the RLP encoding of the application command.
type Message struct {
	Kind         Kind
	EpisodeID    episode.ID
	Participants []pki.PubKey
	Command      []byte
	PubKey       []byte
	Signature    []byte
}

func NewEpisodeMessage(id episode.ID, participants []pki.PubKey) *Message {
	return &Message{
		Kind:         KindNewEpisode,
		EpisodeID:    id,
		Participants: participants,
	}
}

func NewUnsignedCommand[C any](id episode.ID, cmd *C) (*Message, error) {
	b, err := rlp.EncodeToBytes(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return &Message{
		Kind:      KindUnsignedCommand,
		EpisodeID: id,
		Command:   b,
	}, nil
}

func NewSignedCommand[C any](id episode.ID, cmd *C, key *ecdsa.PrivateKey) (*Message, error) {
	b, err := rlp.EncodeToBytes(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	digest, err := CommandDigest(id, b)
	if err != nil {
		return nil, err
	}
	sig, err := pki.Sign(key, digest)
	if err != nil {
		return nil, err
	}
	pub := pki.PubKeyFromECDSA(&key.PublicKey)
	return &Message{
		Kind:      KindSignedCommand,
		EpisodeID: id,
		Command:   b,
		PubKey:    pub.Bytes(),
		Signature: sig.Bytes(),
	}, nil
}

// CommandDigest is what a signed command signs: the episode id together with
// the encoded command, so a signature cannot be replayed into another episode.
func CommandDigest(id episode.ID, command []byte) (common.Hash, error) {
	return pki.Digest(struct {
		EpisodeID episode.ID
		Command   []byte
	}{id, command})
}

// Authorize verifies a signed command and returns the authorizing key. It
// returns nil for unsigned commands.
func (m *Message) Authorize() (*pki.PubKey, error) {
	if m.Kind != KindSignedCommand {
		return nil, nil
	}
	pub, err := pki.ParsePubKey(m.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", episode.ErrInvalidSignature, err)
	}
	digest, err := CommandDigest(m.EpisodeID, m.Command)
	if err != nil {
		return nil, err
	}
	if !pki.Verify(pub, digest, m.Signature) {
		return nil, episode.ErrInvalidSignature
	}
	return &pub, nil
}

func (m *Message) validate() error {
	switch m.Kind {
	case KindNewEpisode:
		if len(m.Participants) > MaxParticipants {
			return fmt.Errorf("%d participants exceed limit %d", len(m.Participants), MaxParticipants)
		}
		for i, p := range m.Participants {
			if _, err := pki.ParsePubKey(p[:]); err != nil {
				return fmt.Errorf("participant %d: %w", i, err)
			}
		}
		if len(m.Command) != 0 || len(m.PubKey) != 0 || len(m.Signature) != 0 {
			return fmt.Errorf("new episode message carries command fields")
		}
	case KindSignedCommand:
		if len(m.Command) == 0 {
			return fmt.Errorf("empty command")
		}
		if len(m.PubKey) != pki.PubKeyLength {
			return fmt.Errorf("public key has %d bytes", len(m.PubKey))
		}
		if len(m.Signature) != pki.SignatureLength {
			return fmt.Errorf("signature has %d bytes", len(m.Signature))
		}
		if len(m.Participants) != 0 {
			return fmt.Errorf("command message carries participants")
		}
	case KindUnsignedCommand:
		if len(m.Command) == 0 {
			return fmt.Errorf("empty command")
		}
		if len(m.PubKey) != 0 || len(m.Signature) != 0 || len(m.Participants) != 0 {
			return fmt.Errorf("unsigned command carries extra fields")
		}
	default:
		return fmt.Errorf("unknown message kind %d", uint8(m.Kind))
	}
	return nil
}

// normalize maps empty slices to nil so that decoded messages compare equal
// to the ones that were encoded.
func (m *Message) normalize() {
	if len(m.Participants) == 0 {
		m.Participants = nil
	}
	if len(m.Command) == 0 {
		m.Command = nil
	}
	if len(m.PubKey) == 0 {
		m.PubKey = nil
	}
	if len(m.Signature) == 0 {
		m.Signature = nil
	}
}
