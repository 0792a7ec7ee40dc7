package segmentation

import (
	"encoding/json"
	"fmt"
	"os"

	"historeg/pkg/atlas"
)

// LegendEntry describes one region present in a segmentation: its id, its
// name from the atlas region table, and the overlay color as a hex string.
type LegendEntry struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Legend lists the regions present in the label map, ascending by id, with
// colors matching the overlay rendering.
func Legend(m *LabelMap, table *atlas.RegionTable) []LegendEntry {
	ids := m.Regions()
	entries := make([]LegendEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, LegendEntry{
			ID:    id,
			Name:  regionName(table, id),
			Color: RegionColor(id).Hex(),
		})
	}
	return entries
}

// SaveLegend writes the legend as indented JSON.
func SaveLegend(path string, m *LabelMap, table *atlas.RegionTable) error {
	data, err := json.MarshalIndent(Legend(m, table), "", "  ")
	if err != nil {
		return fmt.Errorf("encode legend: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write legend %s: %w", path, err)
	}
	return nil
}
