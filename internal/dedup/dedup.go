// Package dedup suppresses re-delivery of observations already written in
// a recent window. Identity is the point key the sink overwrites on:
// category, tag set, and timestamp at second precision. Field values are
// deliberately excluded so a corrected value still lands as an overwrite.
package dedup

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/vitalstream/healthsync/internal/model"
)

// Fingerprint hashes an observation's identity. Tags are folded in sorted
// order so attribute ordering in the source never changes the result.
func Fingerprint(obs model.Observation) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(string(obs.Category))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(obs.TagKey())
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.FormatInt(obs.Time.Unix(), 10))
	return h.Sum64()
}

// Window is the set of fingerprints seen within the dedup horizon. It is
// seeded from the store at run start and consulted per observation; each
// worker owns its category's window, so no locking is needed.
type Window struct {
	seen map[uint64]struct{}
}

func NewWindow(seed []uint64) *Window {
	w := &Window{seen: make(map[uint64]struct{}, len(seed))}
	for _, fp := range seed {
		w.seen[fp] = struct{}{}
	}
	return w
}

// Seen reports whether fp was already written, recording it either way so
// duplicates within the same run are caught too.
func (w *Window) Seen(fp uint64) bool {
	if _, ok := w.seen[fp]; ok {
		return true
	}
	w.seen[fp] = struct{}{}
	return false
}

func (w *Window) Len() int { return len(w.seen) }
