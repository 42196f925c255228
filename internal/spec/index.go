package spec

import (
	"sort"

	"github.com/ilocn/specwork/internal/idgen"
)

// Index holds the driver/member hierarchy derived from ids, computed once per
// load. An id "X.N" is a member of X only when X itself is in the set.
type Index struct {
	byID     map[string]*Spec
	members  map[string][]string
	driverOf map[string]string
}

type member struct {
	id string
	n  int
}

// NewIndex builds the index over specs.
func NewIndex(specs []*Spec) *Index {
	idx := &Index{
		byID:     make(map[string]*Spec, len(specs)),
		members:  make(map[string][]string),
		driverOf: make(map[string]string),
	}
	for _, s := range specs {
		idx.byID[s.ID] = s
	}
	grouped := make(map[string][]member)
	for _, s := range specs {
		driver, n, ok := idgen.SplitMember(s.ID)
		if !ok {
			continue
		}
		if _, exists := idx.byID[driver]; !exists {
			continue
		}
		idx.driverOf[s.ID] = driver
		grouped[driver] = append(grouped[driver], member{s.ID, n})
	}
	for driver, ms := range grouped {
		sort.Slice(ms, func(i, j int) bool {
			if ms[i].n != ms[j].n {
				return ms[i].n < ms[j].n
			}
			return ms[i].id < ms[j].id
		})
		ids := make([]string, len(ms))
		for i, m := range ms {
			ids[i] = m.id
		}
		idx.members[driver] = ids
	}
	return idx
}

// Get returns the spec with id, or nil.
func (idx *Index) Get(id string) *Spec { return idx.byID[id] }

// Members returns the member ids of driver ordered by member number.
func (idx *Index) Members(driver string) []string { return idx.members[driver] }

// DriverOf returns the driver id of a member.
func (idx *Index) DriverOf(id string) (string, bool) {
	d, ok := idx.driverOf[id]
	return d, ok
}

// IsDriver reports whether id has members or is declared as a driver.
func (idx *Index) IsDriver(id string) bool {
	if len(idx.members[id]) > 0 {
		return true
	}
	s := idx.byID[id]
	return s != nil && s.Kind == KindDriver
}

// IncompleteMembers returns the members of driver that are not completed.
func (idx *Index) IncompleteMembers(driver string) []string {
	var out []string
	for _, id := range idx.members[driver] {
		if s := idx.byID[id]; s == nil || s.Status != StatusCompleted {
			out = append(out, id)
		}
	}
	return out
}
