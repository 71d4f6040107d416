package progress

// Badge is a named combo milestone.
type Badge struct {
	Threshold int    `json:"threshold"`
	Label     string `json:"label"`
}

// Badges lists every tier in ascending threshold order.
var Badges = []Badge{
	{Threshold: 3, Label: "Bronze Combo"},
	{Threshold: 7, Label: "Silver Combo"},
	{Threshold: 14, Label: "Gold Combo"},
	{Threshold: 30, Label: "Mythic Combo"},
}

// Unlocked returns the badges active at the given streak. Thresholds are
// inclusive and cumulative.
func Unlocked(streak int) []Badge {
	var out []Badge
	for _, b := range Badges {
		if streak >= b.Threshold {
			out = append(out, b)
		}
	}
	return out
}

// Labels flattens badges to their display labels.
func Labels(badges []Badge) []string {
	labels := make([]string, len(badges))
	for i, b := range badges {
		labels[i] = b.Label
	}
	return labels
}
