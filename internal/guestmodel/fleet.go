package guestmodel

import "fmt"

// MaxGuests is the compile-time fleet size limit (spec section 4.2, boundary
// B1). The 17th+ guest in a config directory is ignored with a critical log,
// not a crash.
const MaxGuests = 16

// RoleEntry is the ordered candidate list for one role (spec section 3):
// head is the active candidate, followed by fallbacks. The slice's end is
// the terminator; ActiveOf returns an error when the entry is empty, mirror
// of "the head is the terminator" in spec section 4.7.
type RoleEntry struct {
	Role    string
	Members []*Guest
}

// Active returns the head of the role entry, or an error if the entry has
// no members (spec section 4.7: active_of returns error if the head is the
// terminator).
func (r *RoleEntry) Active() (*Guest, error) {
	if len(r.Members) == 0 {
		return nil, fmt.Errorf("role %q: no active candidate", r.Role)
	}

	return r.Members[0], nil
}

// RotateToHead moves the named guest to the head of the role's member list,
// preserving the relative order of the rest (spec section 4.8,
// CHANGE_ACTIVE_BY_NAME). Returns false if name is not a member.
func (r *RoleEntry) RotateToHead(name string) bool {
	idx := -1
	for i, g := range r.Members {
		if g.Name() == name {
			idx = i
			break
		}
	}

	if idx <= 0 {
		return idx == 0 // already head is a no-op success; not-found is false
	}

	g := r.Members[idx]
	copy(r.Members[1:idx+1], r.Members[:idx])
	r.Members[0] = g

	return true
}

// Fleet is the whole loaded configuration: every guest plus the role table
// built from it (spec section 3, section 4.2).
type Fleet struct {
	Guests []*Guest
	Roles  map[string]*RoleEntry

	byName map[string]*Guest
}

// NewFleet builds a Fleet from guests already sorted by bootpriority
// ascending (internal/config does the sort before calling this). Autoboot
// guests are inserted at the head of their role entry; others at the tail
// (spec section 3).
func NewFleet(guests []*Guest) (*Fleet, error) {
	if len(guests) > MaxGuests {
		guests = guests[:MaxGuests]
	}

	f := &Fleet{
		Guests: guests,
		Roles:  make(map[string]*RoleEntry),
		byName: make(map[string]*Guest, len(guests)),
	}

	for _, g := range guests {
		if _, dup := f.byName[g.Name()]; dup {
			return nil, fmt.Errorf("guest %q: duplicate name", g.Name())
		}

		f.byName[g.Name()] = g

		entry, ok := f.Roles[g.Role()]
		if !ok {
			entry = &RoleEntry{Role: g.Role()}
			f.Roles[g.Role()] = entry
		}

		if g.Config.AutoBoot {
			entry.Members = append([]*Guest{g}, entry.Members...)
		} else {
			entry.Members = append(entry.Members, g)
		}
	}

	return f, nil
}

// Guest looks up a guest by name.
func (f *Fleet) Guest(name string) (*Guest, bool) {
	g, ok := f.byName[name]
	return g, ok
}

// RoleOf returns the role entry owning name, if any.
func (f *Fleet) RoleOf(name string) (*RoleEntry, bool) {
	g, ok := f.byName[name]
	if !ok {
		return nil, false
	}

	entry, ok := f.Roles[g.Role()]
	return entry, ok
}

// ActiveOf returns the active guest of role (spec section 4.7).
func (f *Fleet) ActiveOf(role string) (*Guest, error) {
	entry, ok := f.Roles[role]
	if !ok {
		return nil, fmt.Errorf("role %q: not found", role)
	}

	return entry.Active()
}
