package paymentgateway

import (
	"regexp"
	"strings"
)

var msisdnPattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizeMSISDN rewrites local, international and bare subscriber forms into
// the 2547XXXXXXXX / 2541XXXXXXXX shape the provider expects.
func NormalizeMSISDN(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "254"):
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	}

	if !msisdnPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
