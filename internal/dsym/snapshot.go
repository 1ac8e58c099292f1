// SPDX-License-Identifier: MIT

package dsym

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/renameio/v2"
)

// Snapshot is the exported form of the index, for diagnostics and tooling.
type Snapshot struct {
	ExportedAt time.Time `json:"exportedAt"`
	Images     []*Record `json:"images"`
}

// ExportSnapshot writes the current index contents to path as JSON. The
// write is atomic and durable: readers never observe a partial file.
func ExportSnapshot(ctx context.Context, index *Index, path string) error {
	records, err := index.List(ctx)
	if err != nil {
		return fmt.Errorf("list index: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UUID < records[j].UUID
	})
	snap := Snapshot{ExportedAt: time.Now().UTC(), Images: records}

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending snapshot file: %w", err)
	}
	defer func() {
		_ = pending.Cleanup()
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace snapshot: %w", err)
	}
	return nil
}
