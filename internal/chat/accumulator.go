package chat

import "strings"

// Accumulate merges one incoming chunk into the canonical running text and
// returns the new canonical text plus the minimal delta worth broadcasting.
//
// Responders come in two flavors and never declare which one they are: some
// emit cumulative snapshots (each chunk restates everything so far), some emit
// incremental fragments. A chunk that starts with the current canonical text
// is treated as a snapshot, anything else as a fragment. An empty chunk leaves
// the canonical text untouched.
func Accumulate(canonical, chunk string) (next, delta string) {
	if chunk == "" {
		return canonical, ""
	}
	if strings.HasPrefix(chunk, canonical) {
		return chunk, chunk[len(canonical):]
	}
	return canonical + chunk, chunk
}
