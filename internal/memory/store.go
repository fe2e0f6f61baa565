package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	xerrors "github.com/AgentZ2077/game/internal/errors"
	"github.com/AgentZ2077/game/pkg/logger"
)

const (
	CodeNoSnapshotter xerrors.Code = "MEMORY_NO_SNAPSHOTTER"
	CodeSnapshotSave  xerrors.Code = "MEMORY_SNAPSHOT_SAVE_FAILED"
	CodeSnapshotLoad  xerrors.Code = "MEMORY_SNAPSHOT_LOAD_FAILED"
)

func init() {
	xerrors.Register(CodeNoSnapshotter, xerrors.Attributes{
		Message:  "memory store has no snapshotter",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSnapshotSave, xerrors.Attributes{
		Message:   "failed to save memory snapshot",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeSnapshotLoad, xerrors.Attributes{
		Message:   "failed to load memory snapshot",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

type record struct {
	entry Entry
	seq   uint64
}

// Store is an in-process, append-only memory store indexed by topic, agent
// and tag. All indices and the entry map are guarded by one lock so a reader
// never sees an index entry without its record.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*record
	topics  map[string][]string
	agents  map[string][]string
	tags    map[string]mapset.Set[string]
	seq     uint64
	lastTS  float64

	// flushMu orders snapshot writes so an older state never overwrites a
	// newer one.
	flushMu     sync.Mutex
	snapshotter Snapshotter

	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotter enables persistence. Every mutation flushes the whole store.
func WithSnapshotter(s Snapshotter) Option {
	return func(st *Store) {
		st.snapshotter = s
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(st *Store) {
		if clock != nil {
			st.clock = clock
		}
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(gen func() string) Option {
	return func(st *Store) {
		if gen != nil {
			st.newID = gen
		}
	}
}

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	st := &Store{
		clock: time.Now,
		newID: uuid.NewString,
	}
	st.reset()
	for _, opt := range opts {
		if opt != nil {
			opt(st)
		}
	}
	if st.logger == nil {
		st.logger = logger.Named("memory")
	}
	return st
}

// Open creates a store and restores it from the configured snapshotter.
func Open(ctx context.Context, opts ...Option) (*Store, RestoreStatus) {
	st := NewStore(opts...)
	status := st.Restore(ctx)
	return st, status
}

func (s *Store) reset() {
	s.entries = make(map[string]*record)
	s.topics = make(map[string][]string)
	s.agents = make(map[string][]string)
	s.tags = make(map[string]mapset.Set[string])
	s.seq = 0
	s.lastTS = 0
}

// Add records a new entry under topic and returns it. When a snapshotter is
// configured the full store is flushed before Add returns; a failed flush is
// logged and the entry stays in memory.
func (s *Store) Add(ctx context.Context, topic, agent string, content any, tags ...string) Entry {
	content = normalizeContent(content)
	s.mu.Lock()
	ts := toSeconds(s.clock())
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	s.seq++

	entry := Entry{
		ID:         s.uniqueID(),
		Topic:      topic,
		Agent:      agent,
		Content:    content,
		Timestamp:  ts,
		Tags:       normalizeTags(tags),
		References: []string{},
	}
	s.insert(&record{entry: entry, seq: s.seq})
	out := entry.clone()
	s.mu.Unlock()

	s.flush(ctx)
	return out
}

// uniqueID must be called with mu held.
func (s *Store) uniqueID() string {
	for {
		id := s.newID()
		if id == "" {
			continue
		}
		if _, taken := s.entries[id]; !taken {
			return id
		}
	}
}

// insert must be called with mu held.
func (s *Store) insert(rec *record) {
	e := rec.entry
	s.entries[e.ID] = rec
	s.topics[e.Topic] = append(s.topics[e.Topic], e.ID)
	s.agents[e.Agent] = append(s.agents[e.Agent], e.ID)
	for _, tag := range e.Tags {
		set, ok := s.tags[tag]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			s.tags[tag] = set
		}
		set.Add(e.ID)
	}
}

// Connect appends targetID to the references of sourceID. It returns false
// and changes nothing when either entry is unknown.
func (s *Store) Connect(ctx context.Context, sourceID, targetID string) bool {
	s.mu.Lock()
	ok := s.connectLocked(sourceID, targetID)
	s.mu.Unlock()

	if ok {
		s.flush(ctx)
	}
	return ok
}

// Link is a reference from Source to Target.
type Link struct {
	Source string
	Target string
}

// ConnectAll applies every link as Connect does but flushes once. Links
// naming an unknown entry are skipped. It returns the number applied.
func (s *Store) ConnectAll(ctx context.Context, links ...Link) int {
	applied := 0
	s.mu.Lock()
	for _, link := range links {
		if s.connectLocked(link.Source, link.Target) {
			applied++
		}
	}
	s.mu.Unlock()

	if applied > 0 {
		s.flush(ctx)
	}
	return applied
}

// connectLocked must be called with mu held.
func (s *Store) connectLocked(sourceID, targetID string) bool {
	src, ok := s.entries[sourceID]
	if !ok {
		return false
	}
	if _, ok := s.entries[targetID]; !ok {
		return false
	}
	src.entry.References = append(src.entry.References, targetID)
	return true
}

// Get returns a single entry.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry.clone(), true
}

// Topic returns every entry filed under topic in insertion order.
func (s *Store) Topic(topic string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.topics[topic]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id].entry.clone())
	}
	return out
}

// Recent returns the newest entries of topic, newest first. Entries sharing
// a timestamp are ordered by insertion, latest first.
func (s *Store) Recent(topic string, limit int) []Entry {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.topics[topic]
	recs := make([]*record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, s.entries[id])
	}
	return collect(recs, limit)
}

// Query returns the entries matching every supplied filter, newest first.
// Without filters all entries are candidates. Results are capped at the limit
// (DefaultQueryLimit unless set).
func (s *Store) Query(opts ...QueryOption) []Entry {
	options := buildQueryOptions(opts)

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.candidates(options)
	recs := make([]*record, 0, candidates.Cardinality())
	candidates.Each(func(id string) bool {
		rec := s.entries[id]
		if options.inRange(rec.entry.Timestamp) {
			recs = append(recs, rec)
		}
		return false
	})
	return collect(recs, options.Limit)
}

// candidates intersects the topic, agent and tag indices. Must be called with
// mu held.
func (s *Store) candidates(opts QueryOptions) mapset.Set[string] {
	var result mapset.Set[string]
	narrow := func(set mapset.Set[string]) {
		if result == nil {
			result = set
			return
		}
		result = result.Intersect(set)
	}

	if opts.Topics != nil {
		narrow(s.union(s.topics, opts.Topics))
	}
	if opts.Agents != nil {
		narrow(s.union(s.agents, opts.Agents))
	}
	for _, tag := range opts.Tags {
		set, ok := s.tags[tag]
		if !ok {
			return mapset.NewThreadUnsafeSet[string]()
		}
		narrow(set)
	}

	if result == nil {
		result = mapset.NewThreadUnsafeSetWithSize[string](len(s.entries))
		for id := range s.entries {
			result.Add(id)
		}
	}
	return result
}

func (s *Store) union(index map[string][]string, keys []string) mapset.Set[string] {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, key := range keys {
		set.Append(index[key]...)
	}
	return set
}

// collect sorts newest first and clones up to limit entries.
func collect(recs []*record, limit int) []Entry {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].entry.Timestamp != recs[j].entry.Timestamp {
			return recs[i].entry.Timestamp > recs[j].entry.Timestamp
		}
		return recs[i].seq > recs[j].seq
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.entry.clone())
	}
	return out
}

// Topics lists known topics in lexical order.
func (s *Store) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.topics)
}

// Agents lists agents that produced at least one entry, in lexical order.
func (s *Store) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.agents)
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats summarises the store.
type Stats struct {
	Entries    int     `json:"entries"`
	Topics     int     `json:"topics"`
	Agents     int     `json:"agents"`
	Tags       int     `json:"tags"`
	References int     `json:"references"`
	Oldest     float64 `json:"oldest,omitempty"`
	Newest     float64 `json:"newest,omitempty"`
}

// Stats returns counters over the current state.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{
		Entries: len(s.entries),
		Topics:  len(s.topics),
		Agents:  len(s.agents),
		Tags:    len(s.tags),
	}
	for _, rec := range s.entries {
		stats.References += len(rec.entry.References)
		ts := rec.entry.Timestamp
		if stats.Oldest == 0 || ts < stats.Oldest {
			stats.Oldest = ts
		}
		if ts > stats.Newest {
			stats.Newest = ts
		}
	}
	return stats
}

// Persist writes the full store through the snapshotter and reports whether
// it succeeded.
func (s *Store) Persist(ctx context.Context) error {
	if s.snapshotter == nil {
		return xerrors.New(CodeNoSnapshotter, "")
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	data, err := encodeSnapshot(s)
	s.mu.RUnlock()
	if err != nil {
		return xerrors.Wrap(CodeSnapshotSave, err, "encode memory snapshot")
	}
	if err := s.snapshotter.Save(ctx, data); err != nil {
		return xerrors.Wrap(CodeSnapshotSave, err, "")
	}
	return nil
}

func (s *Store) flush(ctx context.Context) {
	if s.snapshotter == nil {
		return
	}
	if err := s.Persist(ctx); err != nil {
		s.logger.Error("memory snapshot flush failed", slog.Any("error", err))
	}
}

// RestoreStatus describes how Restore left the store.
type RestoreStatus string

const (
	// RestoreDisabled means no snapshotter is configured; state is untouched.
	RestoreDisabled RestoreStatus = "disabled"
	// RestoreLoaded means the snapshot replaced the in-memory state.
	RestoreLoaded RestoreStatus = "loaded"
	// RestoreEmpty means no snapshot existed; the store is now empty.
	RestoreEmpty RestoreStatus = "empty"
	// RestoreCorrupt means the snapshot could not be decoded; the store is
	// now empty.
	RestoreCorrupt RestoreStatus = "corrupt"
	// RestoreUnavailable means the snapshot could not be read; the previous
	// in-memory state is kept.
	RestoreUnavailable RestoreStatus = "unavailable"
)

// Restore replaces the in-memory state with the persisted snapshot. Failures
// are logged and never returned.
func (s *Store) Restore(ctx context.Context) RestoreStatus {
	if s.snapshotter == nil {
		return RestoreDisabled
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	data, err := s.snapshotter.Load(ctx)
	switch {
	case xerrors.CodeOf(err) == CodeSnapshotNotFound:
		s.logger.Info("no memory snapshot found, starting empty")
		s.replace(nil, nil)
		return RestoreEmpty
	case err != nil:
		s.logger.Error("memory snapshot unavailable, keeping current state",
			slog.Any("error", xerrors.Wrap(CodeSnapshotLoad, err, "")))
		return RestoreUnavailable
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		s.logger.Error("memory snapshot corrupt, starting empty", slog.Any("error", err))
		s.replace(nil, nil)
		return RestoreCorrupt
	}
	recs, topics, dropped := snap.records()
	if dropped > 0 {
		s.logger.Warn("memory snapshot contained dangling ids", slog.Int("dropped", dropped))
	}
	s.replace(recs, topics)
	s.logger.Info("memory snapshot restored", slog.Int("entries", len(recs)))
	return RestoreLoaded
}

// replace swaps in recs, which must be ordered by seq. A non-nil topics map
// overrides the topic index order.
func (s *Store) replace(recs []*record, topics map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	for _, rec := range recs {
		s.insert(rec)
		if rec.seq > s.seq {
			s.seq = rec.seq
		}
		if rec.entry.Timestamp > s.lastTS {
			s.lastTS = rec.entry.Timestamp
		}
	}
	if topics != nil {
		s.topics = topics
	}
}

func sortedKeys(index map[string][]string) []string {
	keys := make([]string, 0, len(index))
	for key := range index {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ParseTags splits a comma separated tag list.
func ParseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return normalizeTags(strings.Split(raw, ","))
}
