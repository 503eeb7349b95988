// Package conflict groups stories that touch the same source modules so the
// implementation orchestrator can serialize them.
package conflict

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Detector maps stories to modules via glob patterns and computes disjoint
// conflict groups.
type Detector struct {
	// modules maps a module name to story-key patterns (doublestar syntax).
	modules map[string][]string
}

// NewDetector creates a Detector over the configured module table. A nil or
// empty table means every story stands alone.
func NewDetector(modules map[string][]string) *Detector {
	return &Detector{modules: modules}
}

// Modules returns the module names whose patterns match the story key.
func (d *Detector) Modules(storyKey string) []string {
	var hit []string
	for name, patterns := range d.modules {
		for _, p := range patterns {
			ok, err := doublestar.Match(p, storyKey)
			if err != nil {
				continue
			}
			if ok {
				hit = append(hit, name)
				break
			}
		}
	}
	sort.Strings(hit)
	return hit
}

// DetectGroups partitions storyKeys into maximal groups whose stories share
// at least one module. Stories matching no module form singleton groups.
// Group order follows the first appearance of each group's earliest story;
// order within a group preserves the input order.
func (d *Detector) DetectGroups(storyKeys []string) [][]string {
	n := len(storyKeys)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	// Stories sharing any module belong to the same group.
	byModule := make(map[string][]int)
	for i, key := range storyKeys {
		for _, m := range d.Modules(key) {
			byModule[m] = append(byModule[m], i)
		}
	}
	for _, members := range byModule {
		for _, i := range members[1:] {
			union(members[0], i)
		}
	}

	groupIndex := make(map[int]int)
	var groups [][]string
	for i, key := range storyKeys {
		root := find(i)
		gi, ok := groupIndex[root]
		if !ok {
			gi = len(groups)
			groupIndex[root] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], key)
	}
	return groups
}
