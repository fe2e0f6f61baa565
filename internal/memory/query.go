package memory

import (
	"strings"
	"time"
)

const (
	// DefaultQueryLimit bounds Query results when no limit is given.
	DefaultQueryLimit = 100
	// DefaultRecentLimit is used by Recent for non-positive limits.
	DefaultRecentLimit = 3
)

// QueryOptions selects entries in Store.Query. Every populated filter must
// match. Topics and agents match any of the listed values, tags must all be
// present on the entry.
type QueryOptions struct {
	Topics []string
	Agents []string
	Tags   []string
	Start  *float64
	End    *float64
	Limit  int
}

// QueryOption mutates QueryOptions.
type QueryOption func(*QueryOptions)

// WithTopics restricts results to entries filed under any of topics.
func WithTopics(topics ...string) QueryOption {
	return func(opts *QueryOptions) {
		opts.Topics = append(opts.Topics, topics...)
	}
}

// WithAgents restricts results to entries produced by any of agents.
func WithAgents(agents ...string) QueryOption {
	return func(opts *QueryOptions) {
		opts.Agents = append(opts.Agents, agents...)
	}
}

// WithTags restricts results to entries carrying every tag.
func WithTags(tags ...string) QueryOption {
	return func(opts *QueryOptions) {
		opts.Tags = append(opts.Tags, tags...)
	}
}

// WithTimeRange keeps entries with start <= timestamp <= end.
func WithTimeRange(start, end float64) QueryOption {
	return func(opts *QueryOptions) {
		opts.Start = &start
		opts.End = &end
	}
}

// WithSince keeps entries at or after ts. A zero time clears the bound.
func WithSince(ts time.Time) QueryOption {
	return func(opts *QueryOptions) {
		if ts.IsZero() {
			opts.Start = nil
			return
		}
		v := toSeconds(ts)
		opts.Start = &v
	}
}

// WithUntil keeps entries at or before ts. A zero time clears the bound.
func WithUntil(ts time.Time) QueryOption {
	return func(opts *QueryOptions) {
		if ts.IsZero() {
			opts.End = nil
			return
		}
		v := toSeconds(ts)
		opts.End = &v
	}
}

// WithLimit caps the number of results.
func WithLimit(limit int) QueryOption {
	return func(opts *QueryOptions) {
		opts.Limit = limit
	}
}

func (opts *QueryOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = DefaultQueryLimit
	}
	opts.Topics = compact(opts.Topics)
	opts.Agents = compact(opts.Agents)
	opts.Tags = compact(opts.Tags)
}

func (opts *QueryOptions) inRange(ts float64) bool {
	if opts.Start != nil && ts < *opts.Start {
		return false
	}
	if opts.End != nil && ts > *opts.End {
		return false
	}
	return true
}

func buildQueryOptions(opts []QueryOption) QueryOptions {
	options := QueryOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// compact trims values and drops blanks and repeats. A nil result means the
// filter is unset.
func compact(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
