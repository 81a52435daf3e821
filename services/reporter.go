package services

import (
	"fmt"
	"io"
	"strings"

	"restaurant-recommender/models"
)

// PrintRecommendations formats the ranked shortlist for a terminal
func PrintRecommendations(w io.Writer, query models.Query, top []models.ScoredRestaurant) {
	border := strings.Repeat("═", 55)
	thin := strings.Repeat("─", 55)

	fmt.Fprintf(w, "\n╔%s╗\n", border)
	fmt.Fprintf(w, "║%s║\n", center("RESTAURANT RECOMMENDATIONS", 55))
	fmt.Fprintf(w, "╚%s╝\n", border)

	fmt.Fprintf(w, "\n QUERY\n%s\n", thin)
	fmt.Fprintf(w, "  Location    : %s\n", query.Location)
	fmt.Fprintf(w, "  Category    : %s\n", query.Category)
	if prefs := query.Preferences.All(); len(prefs) > 0 {
		fmt.Fprintf(w, "  Preferences : %s\n", strings.Join(prefs, "、"))
	}

	if len(top) == 0 {
		fmt.Fprintf(w, "\n  找不到符合條件的餐廳\n\n%s\n\n", border)
		return
	}

	fmt.Fprintf(w, "\n TOP %d\n%s\n", len(top), thin)
	for i, r := range top {
		fmt.Fprintf(w, "  %d. %-35s ⭐ %.1f  score %.3f\n", i+1, truncate(r.Name, 35), r.Rating, r.Score)
		if r.Address != "" {
			fmt.Fprintf(w, "     %s\n", r.Address)
		}
		fmt.Fprintf(w, "     %s\n", r.MapURL)
		fmt.Fprintf(w, "     💬 %s\n\n", r.Reason)
	}

	fmt.Fprintf(w, "%s\n\n", border)
}

func center(s string, width int) string {
	runes := []rune(s)
	if len(runes) >= width {
		return s
	}
	pad := (width - len(runes)) / 2
	return strings.Repeat(" ", pad) + s + strings.Repeat(" ", width-len(runes)-pad)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
