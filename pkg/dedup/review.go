package dedup

import "strings"

// FieldMatchFlags reports, per demographic field, whether two
// applicants agree (spec.md §6 "get_review_case" — per-field match
// flags for name/email/phone/dob). Comparison is case-insensitive and
// whitespace-trimmed; an empty field on either side never counts as a
// match.
type FieldMatchFlags struct {
	Name  bool
	Email bool
	Phone bool
	DOB   bool
}

func fieldsMatch(a, b string) bool {
	a, b = strings.TrimSpace(strings.ToLower(a)), strings.TrimSpace(strings.ToLower(b))
	return a != "" && a == b
}

// CompareFields computes FieldMatchFlags for the two applicants in a
// review case, by name/dob/email/phone.
func CompareFields(nameA, dobA, emailA, phoneA, nameB, dobB, emailB, phoneB string) FieldMatchFlags {
	return FieldMatchFlags{
		Name:  fieldsMatch(nameA, nameB),
		DOB:   fieldsMatch(dobA, dobB),
		Email: fieldsMatch(emailA, emailB),
		Phone: fieldsMatch(phoneA, phoneB),
	}
}

// ColorHint is the traffic-light indicator a review UI renders next to
// a candidate match.
type ColorHint string

const (
	ColorGreen  ColorHint = "green"
	ColorYellow ColorHint = "yellow"
	ColorRed    ColorHint = "red"
)

// BandColorHint maps a confidence band to the color a review console
// shows alongside it: HIGH reads as a strong same-person signal
// (green), MEDIUM as worth a second look (yellow), LOW/UNIQUE as no
// real signal (red).
func BandColorHint(band Band) ColorHint {
	switch band {
	case BandHigh:
		return ColorGreen
	case BandMedium:
		return ColorYellow
	default:
		return ColorRed
	}
}
