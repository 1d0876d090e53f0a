package engine

// RatingTable maps a final placement to a persistent rating bonus. Applied to
// human players exactly once per completed game.
type RatingTable struct {
	Winner        int
	Second        int
	Third         int
	FourthFifth   int
	SixthToEighth int
	NinthOrLower  int
}

// DefaultRating mirrors the production bonus schedule.
var DefaultRating = RatingTable{
	Winner:        20,
	Second:        12,
	Third:         8,
	FourthFifth:   4,
	SixthToEighth: 0,
	NinthOrLower:  -4,
}

// Delta returns the rating change for a 1-based final place.
func (t RatingTable) Delta(place int) int {
	switch {
	case place == 1:
		return t.Winner
	case place == 2:
		return t.Second
	case place == 3:
		return t.Third
	case place <= 5:
		return t.FourthFifth
	case place <= 8:
		return t.SixthToEighth
	default:
		return t.NinthOrLower
	}
}
