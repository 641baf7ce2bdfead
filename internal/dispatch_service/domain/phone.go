package domain

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidPhoneNumber   = errors.New("invalid phone number format (use 10 digits or +{country_code}{number})")
	ErrInvalidE164          = errors.New("invalid E.164 format (use +{country_code}{number})")
	ErrAmbiguousPhoneNumber = errors.New("ambiguous format (use +{country_code}{number} for international numbers)")

	e164Pattern  = regexp.MustCompile(`^\+\d{5,17}$`)
	localPattern = regexp.MustCompile(`^\d{10}$`)
	longPattern  = regexp.MustCompile(`^\d{11,}$`)
	digitRun     = regexp.MustCompile(`\d+`)
)

// Operator services whose answers come from a sender other than the number
// the request was sent to.
const (
	balanceServiceNumber  = "333"
	rechargeServiceNumber = "7373"
	balanceReplyKeyword   = "saldo"
)

// PhoneNormalizer turns user supplied numbers into the canonical form the
// modem is addressed with, and decides when two numbers are the same party.
type PhoneNormalizer struct {
	countryCode     string // e.g. "+52"
	serviceNumbers  map[string]bool
	countryCodeBare string
}

// NewPhoneNormalizer creates a normalizer. countryCode may be given with or
// without the leading "+".
func NewPhoneNormalizer(countryCode string, serviceNumbers []string) *PhoneNormalizer {
	bare := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	n := &PhoneNormalizer{
		countryCode:     "+" + bare,
		countryCodeBare: bare,
		serviceNumbers:  make(map[string]bool, len(serviceNumbers)),
	}
	for _, s := range serviceNumbers {
		if s = strings.TrimSpace(s); s != "" {
			n.serviceNumbers[s] = true
		}
	}
	return n
}

// Normalize validates raw and returns its canonical form.
//
//	"3331234567"    -> "+523331234567" (local, country code added)
//	"+12125551234"  -> "+12125551234"
//	"2222"          -> "2222"          (operator service number)
//	"523331234567"  -> ErrAmbiguousPhoneNumber
func (n *PhoneNormalizer) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if n.serviceNumbers[trimmed] {
		return trimmed, nil
	}

	clean := strings.NewReplacer(" ", "", "-", "").Replace(trimmed)
	switch {
	case strings.HasPrefix(clean, "+"):
		if !e164Pattern.MatchString(clean) {
			return "", ErrInvalidE164
		}
		return clean, nil
	case localPattern.MatchString(clean):
		return n.countryCode + clean, nil
	case longPattern.MatchString(clean):
		return "", ErrAmbiguousPhoneNumber
	}
	return "", ErrInvalidPhoneNumber
}

// IsServiceNumber reports whether the number is an operator short code.
func (n *PhoneNormalizer) IsServiceNumber(number string) bool {
	return n.serviceNumbers[strings.TrimSpace(number)]
}

// MatchKey reduces a number to the form used for equality: the normalized
// number with the local country code stripped. Numbers that do not normalize
// fall back to their digits, so a sender reported as "523331234567" still
// matches a job addressed to "+523331234567".
func (n *PhoneNormalizer) MatchKey(number string) string {
	normalized, err := n.Normalize(number)
	if err != nil {
		normalized = strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, number)
		if len(normalized) == 10+len(n.countryCodeBare) && strings.HasPrefix(normalized, n.countryCodeBare) {
			return normalized[len(n.countryCodeBare):]
		}
		return normalized
	}
	if strings.HasPrefix(normalized, n.countryCode) {
		return strings.TrimPrefix(normalized, n.countryCode)
	}
	return strings.TrimPrefix(normalized, "+")
}

// Equivalent reports whether two numbers address the same party.
func (n *PhoneNormalizer) Equivalent(a, b string) bool {
	ka, kb := n.MatchKey(a), n.MatchKey(b)
	return ka != "" && ka == kb
}

// AnswersServiceRequest reports whether replyText answers a request sent to an
// operator service number, whatever number the answer arrives from. Balance
// queries to 333 are answered with a text mentioning "saldo". Recharge
// requests to 7373 are answered with a text repeating the first number found
// in the request body.
func (n *PhoneNormalizer) AnswersServiceRequest(recipient, requestBody, replyText string) bool {
	if !n.serviceNumbers[recipient] {
		return false
	}
	switch recipient {
	case balanceServiceNumber:
		return strings.Contains(strings.ToLower(replyText), balanceReplyKeyword)
	case rechargeServiceNumber:
		device := digitRun.FindString(requestBody)
		return device != "" && strings.Contains(replyText, device)
	}
	return false
}
