// Package history holds the event shape shared by the local log and the
// version store, and the replay fold that rebuilds a document at any
// position.
package history

import (
	"fmt"
	"time"

	"github.com/wilhg/designsync/pkg/document"
	"github.com/wilhg/designsync/pkg/patch"
)

// Event is one recorded change. Checkpoint events carry an empty patch and
// a label; they mark a position without changing the document.
type Event struct {
	Version    int64       `json:"version"`
	Timestamp  int64       `json:"timestamp"`
	Patches    patch.Patch `json:"patches"`
	Checkpoint string      `json:"checkpoint,omitempty"`
}

// IsCheckpoint reports whether e is a named marker.
func (e Event) IsCheckpoint() bool { return e.Checkpoint != "" }

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Replay folds events onto base in order.
func Replay(base document.Value, events []Event) (document.Value, error) {
	cur := base
	for _, e := range events {
		if len(e.Patches) == 0 {
			continue
		}
		next, err := patch.Apply(cur, e.Patches)
		if err != nil {
			return document.Value{}, fmt.Errorf("replay event v%d: %w", e.Version, err)
		}
		cur = next
	}
	return cur, nil
}
