package onebot

import (
	"math"
	"strconv"
	"strings"
)

const (
	// LevelCurveConstant scales the square root of XP into a level
	LevelCurveConstant = 0.07

	// SeedXP is the experience a member is registered with. It represents
	// "no XP earned yet", so it's subtracted before levels are computed.
	SeedXP int64 = 1

	// MinProgressPercent is the smallest progress bar fill drawn on a
	// level card, so that a member with no progress still shows a sliver.
	MinProgressPercent = 5.0
)

// LevelRaw returns the fractional level for the given amount of earned XP.
func LevelRaw(xp int64) float64 {
	if xp <= 0 {
		return 0
	}
	return LevelCurveConstant * math.Sqrt(float64(xp))
}

// Level returns the integer level for the given amount of earned XP.
// Level is non-decreasing as xp increases, and is 0 when xp <= 0.
func Level(xp int64) int {
	return int(math.Ceil(LevelRaw(xp)))
}

// NextLevelXP returns the XP at which the level after Level(xp) begins
// (the upper bound of the current level). It's always >= xp, and for
// xp <= 0 it's the threshold for level 1 rather than 0.
func NextLevelXP(xp int64) float64 {
	lvl := Level(xp)
	if lvl == 0 {
		lvl = 1
	}
	// floating point error at exact level boundaries can land a hair
	// below xp
	return math.Max(math.Pow(float64(lvl)/LevelCurveConstant, 2), float64(xp))
}

// Progress returns how far xp is towards NextLevelXP, as a percentage
// clamped to [MinProgressPercent, 100].
func Progress(xp int64) float64 {
	next := NextLevelXP(xp)
	if next <= 0 || xp <= 0 {
		return MinProgressPercent
	}
	pct := float64(xp) / next * 100
	switch {
	case pct < MinProgressPercent:
		return MinProgressPercent
	case pct > 100:
		return 100
	default:
		return pct
	}
}

// EarnedXP converts a stored experience value to the XP used for level
// calculations, discounting SeedXP.
func EarnedXP(xpRaw int64) int64 {
	earned := xpRaw - SeedXP
	if earned < 0 {
		return 0
	}
	return earned
}

var xpAbbreviations = []struct {
	threshold float64
	suffix    string
}{
	{1e12, "T"},
	{1e9, "B"},
	{1e6, "M"},
	{1e3, "K"},
}

// AbbreviateXP formats n for display on a level card, e.g. 950 -> "950",
// 1250 -> "1.2K", 3400000 -> "3.4M".
func AbbreviateXP(n float64) string {
	if n < 0 {
		return "-" + AbbreviateXP(-n)
	}
	for _, a := range xpAbbreviations {
		if n >= a.threshold {
			v := math.Floor(n/a.threshold*10) / 10
			s := strconv.FormatFloat(v, 'f', 1, 64)
			return strings.TrimSuffix(s, ".0") + a.suffix
		}
	}
	return strconv.FormatInt(int64(math.Floor(n)), 10)
}
