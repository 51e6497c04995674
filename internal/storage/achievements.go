package storage

import "time"

type milestone struct {
	code        string
	name        string
	description string
	reached     func(t Tally) bool
}

var milestones = []milestone{
	{"first_pomodoro", "First tomato", "Completed your first work period.", func(t Tally) bool { return t.WorkCycles >= 1 }},
	{"pomodoro_10", "Getting into rhythm", "Completed 10 work periods.", func(t Tally) bool { return t.WorkCycles >= 10 }},
	{"pomodoro_50", "Focused mind", "Completed 50 work periods.", func(t Tally) bool { return t.WorkCycles >= 50 }},
	{"pomodoro_100", "Centurion", "Completed 100 work periods.", func(t Tally) bool { return t.WorkCycles >= 100 }},
	{"focus_10h", "Ten hours deep", "Spent 10 hours in completed work periods.", func(t Tally) bool { return t.WorkMinutes >= 600 }},
}

// EvaluateAchievements returns milestones reached by t that are not in have.
// Both backends call it after a work session completes.
func EvaluateAchievements(chatID int64, t Tally, have map[string]bool, at time.Time) []Achievement {
	var out []Achievement
	for _, m := range milestones {
		if have[m.code] || !m.reached(t) {
			continue
		}
		out = append(out, Achievement{
			ChatID:      chatID,
			Code:        m.code,
			Name:        m.name,
			Description: m.description,
			AchievedAt:  at,
		})
	}
	return out
}
