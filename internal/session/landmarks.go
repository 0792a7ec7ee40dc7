package session

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Point is a pixel pick, (row, column).
type Point [2]float64

// LandmarkSet pairs picks on the target image with picks on the atlas
// preview. Committed pairs live in two parallel lists that stay equal in
// length at all times; a pair enters the lists only once both picks exist.
type LandmarkSet struct {
	target []Point
	atlas  []Point

	pendingTarget *Point
	pendingAtlas  *Point
}

// PickTarget stages a pick on the target image, replacing any staged one.
func (s *LandmarkSet) PickTarget(p Point) {
	s.pendingTarget = &p
}

// PickAtlas stages a pick on the atlas preview, replacing any staged one.
func (s *LandmarkSet) PickAtlas(p Point) {
	s.pendingAtlas = &p
}

// Commit turns the staged picks into a landmark pair. It fails when either
// pick is missing, leaving the committed lists untouched.
func (s *LandmarkSet) Commit() error {
	if s.pendingTarget == nil || s.pendingAtlas == nil {
		return fmt.Errorf("landmark commit needs both a target and an atlas pick")
	}
	s.target = append(s.target, *s.pendingTarget)
	s.atlas = append(s.atlas, *s.pendingAtlas)
	s.pendingTarget = nil
	s.pendingAtlas = nil
	return nil
}

// Remove deletes the i-th committed pair.
func (s *LandmarkSet) Remove(i int) error {
	if i < 0 || i >= len(s.target) {
		return fmt.Errorf("landmark index %d out of range [0, %d)", i, len(s.target))
	}
	s.target = append(s.target[:i], s.target[i+1:]...)
	s.atlas = append(s.atlas[:i], s.atlas[i+1:]...)
	return nil
}

// Clear drops all committed pairs and staged picks.
func (s *LandmarkSet) Clear() {
	s.target = nil
	s.atlas = nil
	s.pendingTarget = nil
	s.pendingAtlas = nil
}

// Len returns the number of committed pairs.
func (s *LandmarkSet) Len() int {
	return len(s.target)
}

// Pair returns the i-th committed pair as (target, atlas).
func (s *LandmarkSet) Pair(i int) (Point, Point) {
	return s.target[i], s.atlas[i]
}

// TargetPoints returns a copy of the committed target picks.
func (s *LandmarkSet) TargetPoints() []Point {
	return append([]Point(nil), s.target...)
}

// AtlasPoints returns a copy of the committed atlas picks.
func (s *LandmarkSet) AtlasPoints() []Point {
	return append([]Point(nil), s.atlas...)
}

// IsZero reports whether any pairs are committed. yaml.v3 consults this for
// the omitempty tag; without it a struct of unexported fields always counts
// as zero and committed landmarks would never be written.
func (s LandmarkSet) IsZero() bool {
	return len(s.target) == 0
}

func (s *LandmarkSet) check() error {
	if len(s.target) != len(s.atlas) {
		return fmt.Errorf("landmark lists differ in length: %d target, %d atlas",
			len(s.target), len(s.atlas))
	}
	return nil
}

// landmarkFile is the serialized form; staged picks are deliberately not
// persisted.
type landmarkFile struct {
	Target []Point `yaml:"target"`
	Atlas  []Point `yaml:"atlas"`
}

// MarshalYAML serializes only the committed pairs.
func (s LandmarkSet) MarshalYAML() (interface{}, error) {
	if len(s.target) == 0 {
		return nil, nil
	}
	return landmarkFile{Target: s.target, Atlas: s.atlas}, nil
}

// UnmarshalYAML restores the committed pairs, rejecting unequal lists.
func (s *LandmarkSet) UnmarshalYAML(node *yaml.Node) error {
	var f landmarkFile
	if err := node.Decode(&f); err != nil {
		return err
	}
	if len(f.Target) != len(f.Atlas) {
		return fmt.Errorf("landmark lists differ in length: %d target, %d atlas",
			len(f.Target), len(f.Atlas))
	}
	s.target = f.Target
	s.atlas = f.Atlas
	s.pendingTarget = nil
	s.pendingAtlas = nil
	return nil
}
