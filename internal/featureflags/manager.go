// Package featureflags evaluates FEATURE_FLAGS, a comma separated list of
// name=value pairs such as "atomic_likes=on,atomic_likes_canary=25%".
package featureflags

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// AtomicLikes switches likes from a read-modify-write of the known count to
// an atomic increment in the store.
const AtomicLikes = "atomic_likes"

// Known lists the flags the application reads. They always appear in
// snapshots, off unless configured.
var Known = []string{AtomicLikes}

type mode int

const (
	modeOff mode = iota
	modeOn
	modeRollout
)

type rule struct {
	raw  string
	mode mode
	pct  int
}

func parseRule(value string) rule {
	r := rule{raw: value}
	switch value {
	case "on", "true", "1":
		r.mode = modeOn
	case "off", "false", "0":
	default:
		pctRaw, ok := strings.CutSuffix(value, "%")
		pct, err := strconv.Atoi(pctRaw)
		switch {
		case !ok || err != nil || pct <= 0:
		case pct >= 100:
			r.mode = modeOn
		default:
			r.mode, r.pct = modeRollout, pct
		}
	}
	return r
}

// Manager holds parsed flag rules. A nil Manager has every flag off.
type Manager struct {
	rules map[string]rule
}

// NewManager parses raw. Malformed pairs are skipped.
func NewManager(raw string) *Manager {
	rules := make(map[string]rule)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name, value = normalize(name), normalize(value)
		if name == "" || value == "" {
			continue
		}
		rules[name] = parseRule(value)
	}
	return &Manager{rules: rules}
}

// Enabled reports whether name is on for identity. Percentage rollouts hash
// the lowercased identity, so an anonymous caller is never in one.
func (m *Manager) Enabled(name, identity string) bool {
	if m == nil {
		return false
	}
	r, ok := m.rules[normalize(name)]
	if !ok {
		return false
	}
	switch r.mode {
	case modeOn:
		return true
	case modeRollout:
		return identity != "" && rolloutBucket(name, identity) < r.pct
	default:
		return false
	}
}

// Raw returns the configured value of every parsed flag.
func (m *Manager) Raw() map[string]string {
	out := map[string]string{}
	if m == nil {
		return out
	}
	for name, r := range m.rules {
		out[name] = r.raw
	}
	return out
}

// Names returns the known and configured flag names, sorted.
func (m *Manager) Names() []string {
	seen := make(map[string]struct{}, len(Known))
	names := make([]string, 0, len(Known))
	add := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for _, name := range Known {
		add(name)
	}
	if m != nil {
		for name := range m.rules {
			add(name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot evaluates every flag in Names for identity.
func (m *Manager) Snapshot(identity string) map[string]bool {
	names := m.Names()
	out := make(map[string]bool, len(names))
	for _, name := range names {
		out[name] = m.Enabled(name, identity)
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name, identity string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(normalize(name) + ":" + strings.ToLower(identity)))
	return int(h.Sum32() % 100)
}
