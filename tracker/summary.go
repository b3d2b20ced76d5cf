package tracker

import (
	"context"

	migration "github.com/goliatone/go-migration"
)

// Summary is the reconciliation view over every tracked entity.
type Summary struct {
	Total      int                            `json:"total"`
	ByStatus   map[migration.EntityStatus]int `json:"by_status"`
	ByLocation map[migration.Location]int     `json:"by_location"`
}

// Summary counts entities by status and by location.
func (t *Tracker) Summary(ctx context.Context) (*Summary, error) {
	records, err := t.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	out := &Summary{
		ByStatus:   make(map[migration.EntityStatus]int),
		ByLocation: make(map[migration.Location]int),
	}
	for _, rec := range records {
		out.Total++
		out.ByStatus[rec.CurrentStatus]++
		out.ByLocation[rec.CurrentLocation]++
	}
	return out, nil
}
