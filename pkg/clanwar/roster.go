package clanwar

import "fmt"

// roster holds the registrants of both sides in registration order.
type roster struct {
	size  int
	sides [2][]string
}

func newRoster(size int) *roster {
	return &roster{size: size}
}

// sideOf reports which side a user is registered on.
func (r *roster) sideOf(user string) (Side, bool) {
	for s := SideA; s <= SideB; s++ {
		for _, u := range r.sides[s] {
			if u == user {
				return s, true
			}
		}
	}
	return 0, false
}

func (r *roster) add(user string, side Side) error {
	if s, ok := r.sideOf(user); ok {
		return fmt.Errorf("%w: %s on side %s", ErrAlreadyRegistered, user, s)
	}
	if len(r.sides[side]) >= r.size {
		return fmt.Errorf("%w: side %s has %d of %d", ErrRosterFull, side, len(r.sides[side]), r.size)
	}
	r.sides[side] = append(r.sides[side], user)
	return nil
}

func (r *roster) remove(user string) (Side, error) {
	side, ok := r.sideOf(user)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotRegistered, user)
	}
	list := r.sides[side]
	for i, u := range list {
		if u == user {
			r.sides[side] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return side, nil
}

// free returns the number of open slots on a side.
func (r *roster) free(side Side) int {
	return r.size - len(r.sides[side])
}

func (r *roster) full() bool {
	return r.free(SideA) == 0 && r.free(SideB) == 0
}

// members returns a copy of a side's registrants.
func (r *roster) members(side Side) []string {
	return append([]string(nil), r.sides[side]...)
}
