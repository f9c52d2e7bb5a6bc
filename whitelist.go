package main

// LeadershipList gates the leadership-only surface: force releasing claims and
// the faction overview. IDs come from the LEADERSHIP_IDS env list.
type LeadershipList struct {
	ids map[int]bool
}

func NewLeadershipList(ids []int) *LeadershipList {
	l := &LeadershipList{ids: make(map[int]bool, len(ids))}
	for _, id := range ids {
		if id > 0 {
			l.ids[id] = true
		}
	}
	return l
}

func (l *LeadershipList) Contains(playerID int) bool {
	return l.ids[playerID]
}

func (l *LeadershipList) Empty() bool {
	return len(l.ids) == 0
}
