// Package links collects URLs discovered during a crawl into named,
// deduplicated groups that later plan entries reference as $name.
package links

import "sync"

// Link is one captured URL with the metadata extracted alongside it.
// Metadata becomes task metadata when the group is fanned out.
type Link struct {
	URL      string
	Metadata map[string]any
}

// Queue holds the named link groups. Capture and Resolve are safe for
// concurrent use by tasks running in parallel.
type Queue struct {
	mu     sync.Mutex
	groups map[string][]Link
	seen   map[groupKey]struct{}
}

type groupKey struct {
	group string
	url   string
}

func NewQueue() *Queue {
	return &Queue{
		groups: map[string][]Link{},
		seen:   map[groupKey]struct{}{},
	}
}

// Capture appends a link to the named group, deduplicating by
// (group, url). Metadata policy is first write wins: a duplicate
// capture never overwrites what the first one stored. Reports whether
// the link was new.
func (q *Queue) Capture(group, url string, metadata map[string]any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := groupKey{group: group, url: url}
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}

	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	q.groups[group] = append(q.groups[group], Link{URL: url, Metadata: md})
	return true
}

// Resolve returns an ordered snapshot of the named group. An unknown or
// not-yet-populated group yields an empty slice, not an error: capture
// and reference may happen within the same crawl pass.
func (q *Queue) Resolve(name string) []Link {
	q.mu.Lock()
	defer q.mu.Unlock()

	group := q.groups[name]
	out := make([]Link, len(group))
	copy(out, group)
	return out
}

// Groups returns a snapshot of every group, for the links output state.
func (q *Queue) Groups() map[string][]Link {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string][]Link, len(q.groups))
	for name, group := range q.groups {
		snapshot := make([]Link, len(group))
		copy(snapshot, group)
		out[name] = snapshot
	}
	return out
}

// Len reports the number of links captured in the named group.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.groups[name])
}
