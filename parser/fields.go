// Package parser maps listing markup to normalized product records.
package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// KnownBrands is the default brand vocabulary, matched on word boundaries.
var KnownBrands = []string{
	"SAMSUNG", "LG", "SONY", "XIAOMI", "MI", "REDMI", "ONEPLUS",
	"TCL", "ACER", "HISENSE", "VU", "IFFALCON", "KODAK",
	"SANSUI", "PANASONIC", "AMAZON BASICS", "TOSHIBA",
	"PHILIPS", "VW", "BPL", "LLOYD", "BLAUPUNKT", "THOMSON",
	"MOTOROLA", "REALME", "INFINIX", "HAIER", "SKYWORTH", "NOKIA",
}

var brandStopwords = map[string]bool{
	"INCH": true, "INCHES": true, "CM": true, "FULL": true, "HD": true,
	"UHD": true, "ULTRA": true, "SMART": true, "NEW": true, "LED": true,
	"TV": true, "THE": true,
}

var modelExclusions = map[string]bool{
	"4K": true, "8K": true, "ULTRA": true, "WATTS": true, "DDR3": true, "DDR4": true,
	"INCH": true, "INCHES": true, "NITS": true, "HZ": true, "120HZ": true, "144HZ": true,
	"WOOD": true, "UNIT": true, "WARRANTY": true, "PROTECTOR": true, "HDR10": true,
	"HDR10+": true, "DOLBY": true, "2GB": true, "16GB": true, "32GB": true,
}

var (
	reBrackets    = regexp.MustCompile(`[()\[\]{},|]`)
	reSizeToken   = regexp.MustCompile(`^\d+(?:\.\d+)?-?(?:INCH|INCHES|CM|"|IN)$`)
	reMemoryToken = regexp.MustCompile(`^\d+(?:GB|TB|MB|W|HZ)$`)
	reInches      = regexp.MustCompile(`(?i)\b(\d{2,3}(?:\.\d)?)\s*(?:-\s*)?(?:inch(?:es)?\b|"|″|in\b)`)
	reCentimetres = regexp.MustCompile(`(?i)\b(\d{2,3}(?:\.\d+)?)\s*cm\b`)
	reYear        = regexp.MustCompile(`\b(20[1-3]\d)\b`)
	reFirstNumber = regexp.MustCompile(`\d+(?:\.\d+)?`)
	rePercent     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	reRatingCount = regexp.MustCompile(`(?i)([\d,]+)\s*ratings?`)
	reReviewCount = regexp.MustCompile(`(?i)([\d,]+)\s*reviews?`)
	reNonDigit    = regexp.MustCompile(`\D`)
)

type vocabEntry struct {
	label   string
	pattern *regexp.Regexp
}

// Compound terms first so they win over the generic LED.
var panelVocabulary = []vocabEntry{
	{"OLED", regexp.MustCompile(`(?i)\bOLED\b|QD-OLED`)},
	{"QNED", regexp.MustCompile(`(?i)\bQNED\b`)},
	{"QLED", regexp.MustCompile(`(?i)\bQLED\b`)},
	{"Mini LED", regexp.MustCompile(`(?i)\bMINI\s*-?\s*LED\b`)},
	{"NanoCell", regexp.MustCompile(`(?i)\bNANO\s*CELL\b`)},
	{"LED", regexp.MustCompile(`(?i)\bLED\b`)},
}

var resolutionVocabulary = []vocabEntry{
	{"8K", regexp.MustCompile(`(?i)\b8K\b`)},
	{"4K", regexp.MustCompile(`(?i)ULTRA\s*HD|\b4K\b|\bUHD\b`)},
	{"Full HD", regexp.MustCompile(`(?i)FULL\s*HD|\bFHD\b|1080p`)},
	{"HD", regexp.MustCompile(`(?i)HD\s*READY|\bHD\b|720p`)},
}

var osVocabulary = []vocabEntry{
	{"Google TV", regexp.MustCompile(`(?i)\bGOOGLE\s*TV\b`)},
	{"Android TV", regexp.MustCompile(`(?i)\bANDROID\b`)},
	{"WebOS", regexp.MustCompile(`(?i)\bWEB\s*OS\b`)},
	{"Tizen", regexp.MustCompile(`(?i)\bTIZEN\b`)},
	{"VIDAA", regexp.MustCompile(`(?i)\bVIDAA\b`)},
	{"Fire TV", regexp.MustCompile(`(?i)\bFIRE\s*TV\b`)},
}

func matchVocabulary(vocab []vocabEntry, text string) string {
	for _, entry := range vocab {
		if entry.pattern.MatchString(text) {
			return entry.label
		}
	}
	return models.Unknown
}

// PanelType classifies the display panel named in text.
func PanelType(text string) string { return matchVocabulary(panelVocabulary, text) }

// Resolution classifies the advertised resolution.
func Resolution(text string) string { return matchVocabulary(resolutionVocabulary, text) }

// OperatingSystem classifies the smart-TV platform.
func OperatingSystem(text string) string { return matchVocabulary(osVocabulary, text) }

func compileBrands(brands []string) []vocabEntry {
	out := make([]vocabEntry, 0, len(brands))
	for _, b := range brands {
		b = strings.ToUpper(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		out = append(out, vocabEntry{
			label:   b,
			pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(b) + `\b`),
		})
	}
	return out
}

var defaultBrandVocabulary = compileBrands(KnownBrands)

// Brand returns the first vocabulary brand found in title, falling back to the
// first alphabetic token that is not a size or quality word.
func Brand(title string) string {
	return brandFrom(defaultBrandVocabulary, title)
}

func brandFrom(vocab []vocabEntry, title string) string {
	upper := strings.ToUpper(title)
	for _, entry := range vocab {
		if entry.pattern.MatchString(upper) {
			return entry.label
		}
	}
	for _, word := range strings.Fields(upper) {
		w := strings.Trim(word, ".,-()[]|:")
		if len(w) < 2 || brandStopwords[w] || hasDigit(w) || !hasLetter(w) {
			continue
		}
		return w
	}
	return models.Unknown
}

// ModelFromTitle scans title tokens right to left and returns the first
// token that mixes letters and digits, is at least five characters long and
// is not a spec word.
func ModelFromTitle(title string) (string, bool) {
	words := strings.Fields(reBrackets.ReplaceAllString(title, " "))
	for i := len(words) - 1; i >= 0; i-- {
		w := strings.ToUpper(strings.Trim(words[i], ".,-:;/"))
		if len(w) < 5 || !hasDigit(w) || !hasLetter(w) {
			continue
		}
		if modelExclusions[w] || reSizeToken.MatchString(w) || reMemoryToken.MatchString(w) {
			continue
		}
		return w, true
	}
	return "", false
}

// ParsePrice turns "₹15,990.00" or "Rs. 15,990" into 15990.
func ParsePrice(text string) (int, bool) {
	text = strings.TrimLeftFunc(text, func(r rune) bool { return !unicode.IsDigit(r) })
	if i := strings.Index(text, "."); i >= 0 {
		text = text[:i]
	}
	digits := reNonDigit.ReplaceAllString(text, "")
	if digits == "" {
		return 0, false
	}
	value, err := strconv.Atoi(digits)
	if err != nil || value <= 0 {
		return 0, false
	}
	return value, true
}

// ReconcilePrices applies the original-price fallbacks: a missing original
// price defaults to the selling price, and an original price above six times
// the selling price is treated as a mis-scoped match.
func ReconcilePrices(selling, original int) int {
	if original <= 0 {
		return selling
	}
	if selling > 0 && original > selling*6 {
		return selling
	}
	return original
}

// Discount reads "23% off", falling back to the two prices.
func Discount(text string, selling, original int) int {
	if m := rePercent.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v < 100 {
			return int(v)
		}
	}
	if selling > 0 && original > selling {
		return int(math.Round(float64(original-selling) * 100 / float64(original)))
	}
	return 0
}

// ParseRating reads the leading figure of "4.3 out of 5 stars".
func ParseRating(text string) (float64, bool) {
	m := reFirstNumber.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v <= 0 || v > 5 {
		return 0, false
	}
	return v, true
}

// RatingCounts reads "1,234 Ratings & 156 Reviews". A bare number is taken
// as the rating count.
func RatingCounts(text string) (ratings, reviews int) {
	if m := reRatingCount.FindStringSubmatch(text); m != nil {
		ratings = atoiDigits(m[1])
	}
	if m := reReviewCount.FindStringSubmatch(text); m != nil {
		reviews = atoiDigits(m[1])
	}
	if ratings == 0 && reviews == 0 {
		ratings = atoiDigits(text)
	}
	return ratings, reviews
}

// ScreenInches reads the diagonal in inches, converting centimetres when no
// inch figure is present.
func ScreenInches(text string) (float64, bool) {
	if m := reInches.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 10 && v <= 150 {
			return v, true
		}
	}
	if m := reCentimetres.FindStringSubmatch(text); m != nil {
		if cm, err := strconv.ParseFloat(m[1], 64); err == nil {
			v := math.Round(cm / 2.54)
			if v >= 10 && v <= 150 {
				return v, true
			}
		}
	}
	return 0, false
}

// LaunchYear returns the first plausible four-digit year in text.
func LaunchYear(text string) (int, bool) {
	m := reYear.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return year, true
}

// LabelValue finds "Label: value" among spec lines, case-insensitively.
func LabelValue(lines []string, labels ...string) (string, bool) {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, label := range labels {
			prefix := strings.ToLower(label)
			if !strings.HasPrefix(lower, prefix) {
				continue
			}
			value := strings.TrimSpace(line[len(prefix):])
			value = strings.TrimSpace(strings.TrimLeft(value, ":-"))
			if value != "" {
				return value, true
			}
		}
	}
	return "", false
}

func atoiDigits(text string) int {
	digits := reNonDigit.ReplaceAllString(text, "")
	if digits == "" {
		return 0
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return v
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func hasLetter(s string) bool {
	return strings.IndexFunc(s, unicode.IsLetter) >= 0
}
