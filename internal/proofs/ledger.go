package proofs

import (
	"crypto/ecdsa"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// Record is the latest digest stored for an agent.
type Record struct {
	Agent     string    `json:"agent"`
	Digest    string    `json:"digest"`
	Signature string    `json:"signature,omitempty"`
	Signer    string    `json:"signer,omitempty"`
	At        time.Time `json:"at"`
}

// Ledger maps agents to the digest of the last data recorded for them.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]Record
	key     *ecdsa.PrivateKey
	clock   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSigningKey signs every recorded digest with key.
func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(l *Ledger) {
		l.key = key
	}
}

// WithClock overrides the clock used for record times.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{records: make(map[string]Record), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Digest returns the 0x-prefixed Keccak-256 hex digest of data.
func Digest(data []byte) string {
	return crypto.Keccak256Hash(data).Hex()
}

// Record stores the digest of data for agent, replacing any previous one,
// and returns it.
func (l *Ledger) Record(agent string, data []byte) string {
	hash := crypto.Keccak256Hash(data)
	rec := Record{Agent: agent, Digest: hash.Hex(), At: l.clock()}
	if l.key != nil {
		if sig, err := crypto.Sign(hash.Bytes(), l.key); err == nil {
			rec.Signature = common.Bytes2Hex(sig)
			rec.Signer = crypto.PubkeyToAddress(l.key.PublicKey).Hex()
		}
	}

	l.mu.Lock()
	l.records[agent] = rec
	l.mu.Unlock()
	return rec.Digest
}

// Verify reports whether data hashes to the digest last recorded for agent.
func (l *Ledger) Verify(agent string, data []byte) bool {
	l.mu.RLock()
	rec, ok := l.records[agent]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return strings.EqualFold(rec.Digest, Digest(data))
}

// Lookup returns the record stored for agent.
func (l *Ledger) Lookup(agent string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[agent]
	return rec, ok
}

// Records returns every record ordered by agent name.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, rec)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// RecoverSigner returns the address that signed rec.
func RecoverSigner(rec Record) (common.Address, error) {
	if rec.Signature == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "record is not signed")
	}
	hash := common.HexToHash(rec.Digest)
	pub, err := crypto.SigToPub(hash.Bytes(), common.FromHex(rec.Signature))
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
