package memory

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"
)

// datetimeLayout renders timestamps with nanosecond precision so a rendered
// datetime parses back to the same timestamp.
const datetimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded memory. Entries are immutable apart from References,
// which only ever grows through Store.Connect.
type Entry struct {
	ID         string   `json:"id"`
	Topic      string   `json:"topic"`
	Agent      string   `json:"agent"`
	Content    any      `json:"content"`
	Timestamp  float64  `json:"timestamp"`
	Tags       []string `json:"tags"`
	References []string `json:"references"`
}

// Time converts the timestamp into a time.Time.
func (e Entry) Time() time.Time {
	return fromSeconds(e.Timestamp)
}

// Datetime is the human readable rendering of Timestamp.
func (e Entry) Datetime() string {
	return e.Time().UTC().Format(datetimeLayout)
}

// HasTag reports whether the entry carries tag.
func (e Entry) HasTag(tag string) bool {
	i := sort.SearchStrings(e.Tags, tag)
	return i < len(e.Tags) && e.Tags[i] == tag
}

func (e Entry) clone() Entry {
	out := e
	out.Content = cloneContent(e.Content)
	out.Tags = append([]string(nil), e.Tags...)
	out.References = append([]string(nil), e.References...)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.References == nil {
		out.References = []string{}
	}
	return out
}

// toSeconds converts t to fractional unix seconds.
func toSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

func fromSeconds(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// normalizeContent converts content into the JSON shape a snapshot restores
// it to. The result shares no maps or slices with the caller. Content that
// cannot be encoded is deep copied as is.
func normalizeContent(v any) any {
	if v == nil {
		return nil
	}
	if raw, err := json.Marshal(v); err == nil {
		var out any
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return cloneContent(v)
}

func cloneContent(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneContent(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneContent(item)
		}
		return out
	default:
		return v
	}
}

// normalizeTags trims, deduplicates and sorts tags. Empty tags are dropped.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
