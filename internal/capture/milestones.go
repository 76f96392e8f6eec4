package capture

// Milestones precomputes the 5% progress marks for a capture target.
// Marks are strictly increasing, deduplicated for small targets, and
// always end at the target itself.
func Milestones(target int) []int {
	if target <= 0 {
		return nil
	}
	marks := make([]int, 0, 20)
	last := 0
	for i := 1; i <= 20; i++ {
		m := i * target / 20
		if m <= last {
			continue
		}
		marks = append(marks, m)
		last = m
	}
	return marks
}

// milestoneTracker throttles store writes to milestone crossings.
type milestoneTracker struct {
	marks []int
	next  int
}

func newMilestoneTracker(target int) *milestoneTracker {
	return &milestoneTracker{marks: Milestones(target)}
}

// crossed reports whether count reached a not-yet-fired milestone,
// advancing past every milestone the count covers.
func (t *milestoneTracker) crossed(count int) bool {
	if t.next >= len(t.marks) || count < t.marks[t.next] {
		return false
	}
	for t.next < len(t.marks) && count >= t.marks[t.next] {
		t.next++
	}
	return true
}
