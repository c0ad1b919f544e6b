package clanwar

// generateRound pairs side A against side B positionally. When one side is
// longer, its trailing ids get byes. Both sides must be non-empty; the war
// ends instead of calling this when either side has run out.
func generateRound(round int, a, b []string, nextID func() int) *table {
	t := newTable(round)
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		t.addMatchup(&Matchup{ID: nextID(), From: a[i], To: b[i], Result: ResultPending})
	}
	for _, u := range a[n:] {
		t.addBye(Bye{User: u, Side: SideA})
	}
	for _, u := range b[n:] {
		t.addBye(Bye{User: u, Side: SideB})
	}
	return t
}
