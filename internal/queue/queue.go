package queue

import "sync"

// DefaultMaxPerUser is the default number of in-flight items per user.
const DefaultMaxPerUser = 3

// Admission bounds how many distinct items each user may have in flight.
// The same item reserved twice (two batches naming one file) holds a single
// slot until both reservations are released.
type Admission struct {
	mu    sync.Mutex
	max   int
	users map[string]map[string]int // item -> holders
}

func New(max int) *Admission {
	if max <= 0 {
		max = DefaultMaxPerUser
	}
	return &Admission{
		max:   max,
		users: make(map[string]map[string]int),
	}
}

// Max returns the per-user capacity.
func (a *Admission) Max() int { return a.max }

// TryReserve records item as in flight for user. It returns false, leaving
// state untouched, when the user is already at capacity.
func (a *Admission) TryReserve(user, item string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.users[user]
	if !ok {
		set = make(map[string]int, a.max)
		a.users[user] = set
	}
	if len(set) >= a.max {
		return false
	}
	set[item]++
	return true
}

// Release drops one reservation of item. The slot frees with the last one;
// empty sets are removed.
func (a *Admission) Release(user, item string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	set, ok := a.users[user]
	if !ok {
		return
	}
	if set[item] > 1 {
		set[item]--
		return
	}
	delete(set, item)
	if len(set) == 0 {
		delete(a.users, user)
	}
}

// Size returns the number of items user has in flight.
func (a *Admission) Size(user string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users[user])
}

// Users returns how many users currently hold at least one slot.
func (a *Admission) Users() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}
