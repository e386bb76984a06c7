package security

import "regexp"

var (
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	// Indonesian mobile numbers: +628xx / 628xx / 08xx.
	phoneIntlRe  = regexp.MustCompile(`^628[0-9]{8,11}$`)
	phoneLocalRe = regexp.MustCompile(`^08[0-9]{8,11}$`)

	nonDigitRe = regexp.MustCompile(`[^0-9]`)
)

// ValidEmail reports whether email has a plausible address shape.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}

// ValidPhone reports whether phone is an Indonesian mobile number in
// any of the accepted spellings.
func ValidPhone(phone string) bool {
	clean := nonDigitRe.ReplaceAllString(phone, "")
	return phoneIntlRe.MatchString(clean) || phoneLocalRe.MatchString(clean)
}
