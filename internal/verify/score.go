// Package verify is the reference verification collaborator: it scores a
// short self-description, and when the score passes it mints a signed,
// short-lived token the client presents when joining the queue.
package verify

import (
	"regexp"
	"strings"
)

// VerifiedThreshold is the minimum score that counts as verified.
const VerifiedThreshold = 3

const (
	reasonVerified = "Thank you for sharing your experience! Welcome to Silver Sparks! ✨"
	reasonRejected = "Please share more about your life experience to help us verify your age. Tell us about retirement, grandchildren, or your years of wisdom!"
)

var ageKeywords = []string{
	"retired", "retirement", "grandchildren", "grandkids", "pension", "social security",
	"senior", "elderly", "65", "70", "80", "90", "years old", "decades", "generation",
	"wisdom", "experience", "life lessons", "back in my day", "when i was young",
	"nursing home", "assisted living", "medicare", "medicaid", "aarp",
}

// ageNumber matches a standalone 65..99.
var ageNumber = regexp.MustCompile(`\b(6[5-9]|[7-9][0-9])\b`)

// Result is the outcome of scoring one submission.
type Result struct {
	Verified bool
	Score    int
	Reason   string
}

// ScoreText applies the keyword heuristic.
func ScoreText(text string) Result {
	lower := strings.ToLower(text)

	score := 0
	if strings.Contains(lower, "retired") || strings.Contains(lower, "retirement") {
		score += 3
	}
	if strings.Contains(lower, "grandchildren") || strings.Contains(lower, "grandkids") {
		score += 2
	}
	if ageNumber.MatchString(lower) {
		score += 4
	}
	if strings.Contains(lower, "years old") {
		score += 2
	}
	for _, kw := range ageKeywords {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	if utf16Len(text) > 50 {
		score++
	}
	if strings.Contains(lower, "wisdom") || strings.Contains(lower, "experience") {
		score += 2
	}

	if score >= VerifiedThreshold {
		return Result{Verified: true, Score: score, Reason: reasonVerified}
	}
	return Result{Verified: false, Score: score, Reason: reasonRejected}
}

// utf16Len counts UTF-16 code units, the unit browsers measure text in, so a
// character outside the BMP counts twice.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
