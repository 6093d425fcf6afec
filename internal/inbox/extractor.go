package inbox

import (
	"regexp"
	"strings"
)

const summaryWords = 30

var (
	// Digit, letter and space classes are Unicode-wide so full-width digits
	// and accented local parts are found too.
	phoneRegex = regexp.MustCompile(`\+?\p{Nd}[\p{Nd}\s\p{Z}\-]{7,}\p{Nd}`)
	emailRegex = regexp.MustCompile(`[\p{L}\p{N}_.-]+@[\p{L}\p{N}_.-]+\.[\p{L}\p{N}_]+`)
	wordRegex  = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// ExtractedInfo holds contact details and a short summary pulled from a body.
// Phone and AltEmail are empty when nothing matched.
type ExtractedInfo struct {
	Phone    string
	AltEmail string
	Summary  string
}

// ExtractInfo never fails; empty input yields an empty summary.
func ExtractInfo(body string) ExtractedInfo {
	info := ExtractedInfo{
		Phone:    phoneRegex.FindString(body),
		AltEmail: emailRegex.FindString(body),
	}

	words := wordRegex.FindAllString(body, summaryWords+1)
	if len(words) > summaryWords {
		info.Summary = strings.Join(words[:summaryWords], " ") + "..."
	} else {
		info.Summary = strings.Join(words, " ")
	}
	return info
}
