package segmentation

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Save writes the label map as an opaque blob. Region ids are full uint32
// values; image formats with narrower channels cannot hold them, so the
// on-disk form is gob.
func (m *LabelMap) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create label map file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("encode label map: %w", err)
	}
	return nil
}

// LoadLabelMap reads a label map previously written with Save.
func LoadLabelMap(path string) (*LabelMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open label map file: %w", err)
	}
	defer f.Close()
	m := &LabelMap{}
	if err := gob.NewDecoder(f).Decode(m); err != nil {
		return nil, fmt.Errorf("decode label map: %w", err)
	}
	return NewLabelMap(m.Labels, m.Shape)
}
