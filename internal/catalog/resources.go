package catalog

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ResourceTTL is how long a tracked resource identifier is remembered after
// its last use.
const ResourceTTL = 30 * time.Minute

// TrackedResource is one identifier extracted from tool output, e.g. a
// session created by a browser automation server. Advisory context for the
// planner, not a correctness mechanism.
type TrackedResource struct {
	Server   string
	ID       string
	Type     string
	LastUsed time.Time
}

// resourcePatterns match identifier announcements in result text, such as
// "Session ID: abc123" or "session_id": "abc123".
var resourcePatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"session", regexp.MustCompile(`(?i)session[ _-]?id"?\s*[:=]\s*"?([A-Za-z0-9][A-Za-z0-9._-]*)`)},
	{"browser", regexp.MustCompile(`(?i)browser[ _-]?id"?\s*[:=]\s*"?([A-Za-z0-9][A-Za-z0-9._-]*)`)},
	{"page", regexp.MustCompile(`(?i)page[ _-]?id"?\s*[:=]\s*"?([A-Za-z0-9][A-Za-z0-9._-]*)`)},
}

// ResourceTracker remembers identifiers found in successful tool results and
// purges entries that have not been used within ResourceTTL.
type ResourceTracker struct {
	mu      sync.Mutex
	entries map[string]*TrackedResource // key: server + "/" + type + "/" + id
	now     func() time.Time
}

// NewResourceTracker creates an empty tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		entries: make(map[string]*TrackedResource),
		now:     time.Now,
	}
}

// Scan extracts resource identifiers from result text and records them.
func (r *ResourceTracker) Scan(server, text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range resourcePatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			key := server + "/" + p.kind + "/" + m[1]
			r.entries[key] = &TrackedResource{
				Server:   server,
				ID:       m[1],
				Type:     p.kind,
				LastUsed: r.now(),
			}
		}
	}
}

// Purge drops entries older than ResourceTTL and returns how many remain.
func (r *ResourceTracker) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ResourceTTL)
	for key, e := range r.entries {
		if e.LastUsed.Before(cutoff) {
			delete(r.entries, key)
		}
	}
	return len(r.entries)
}

// Active returns the live entries, most recently used first.
func (r *ResourceTracker) Active() []TrackedResource {
	r.Purge()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrackedResource, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out
}

// Summary renders the active resources for prompt injection, or "" when
// nothing is tracked.
func (r *ResourceTracker) Summary() string {
	active := r.Active()
	if len(active) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Active resources from earlier tool calls:\n")
	for _, e := range active {
		fmt.Fprintf(&b, "- %s %s on server %q (last used %s ago)\n",
			e.Type, e.ID, e.Server, time.Since(e.LastUsed).Round(time.Second))
	}
	return b.String()
}

// StartSweeper purges periodically until stop is closed.
func (r *ResourceTracker) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Purge()
			case <-stop:
				return
			}
		}
	}()
}
