package atlas

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// Region is one entry of the atlas region hierarchy.
type Region struct {
	Name   string
	ID     uint32
	Parent uint32
}

// RegionTable maps anatomical region names to integer label IDs and parent
// regions, defining a tree over regions. ID 0 is always the synthetic
// "empty" background region.
type RegionTable struct {
	byID   map[uint32]Region
	byName map[string]Region
}

// LoadRegionTable reads a names_dict CSV table with a header row containing
// at least the columns "name", "id" and "parent_id". A background entry
// "empty" with ID 0 is injected if the table does not carry one.
func LoadRegionTable(path string) (*RegionTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open names table: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse names table %s: %w", path, err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("names table %s is empty", path)
	}

	col := map[string]int{}
	for i, name := range records[0] {
		col[name] = i
	}
	for _, required := range []string{"name", "id", "parent_id"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("names table %s has no %q column", path, required)
		}
	}

	t := &RegionTable{
		byID:   make(map[uint32]Region),
		byName: make(map[string]Region),
	}
	for _, rec := range records[1:] {
		id, err := strconv.ParseUint(rec[col["id"]], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("names table %s: bad id %q: %v", path, rec[col["id"]], err)
		}
		parent, err := strconv.ParseUint(rec[col["parent_id"]], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("names table %s: bad parent_id %q: %v", path, rec[col["parent_id"]], err)
		}
		r := Region{Name: rec[col["name"]], ID: uint32(id), Parent: uint32(parent)}
		t.byID[r.ID] = r
		t.byName[r.Name] = r
	}

	if _, ok := t.byID[0]; !ok {
		empty := Region{Name: "empty", ID: 0, Parent: 0}
		t.byID[0] = empty
		t.byName["empty"] = empty
	}
	return t, nil
}

// Lookup returns the region with the given label ID.
func (t *RegionTable) Lookup(id uint32) (Region, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Name returns the region name for a label ID, or "unknown" for IDs the
// table does not describe.
func (t *RegionTable) Name(id uint32) string {
	if r, ok := t.byID[id]; ok {
		return r.Name
	}
	return "unknown"
}

// ByName returns the region with the given name.
func (t *RegionTable) ByName(name string) (Region, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// MaxID returns the largest label ID in the table. The segmentation output
// dtype must be able to hold it.
func (t *RegionTable) MaxID() uint32 {
	max := uint32(0)
	for id := range t.byID {
		if id > max {
			max = id
		}
	}
	return max
}

// IDs returns all label IDs in ascending order.
func (t *RegionTable) IDs() []uint32 {
	ids := make([]uint32, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
