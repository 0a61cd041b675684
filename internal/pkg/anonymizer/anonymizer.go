// Package anonymizer is the degraded mode substitute used when the external
// processing webhook is unreachable. It scans text with independent regex
// detectors and replaces every occurrence of a matched value with a
// placeholder of the form {%{Category-id}%}.
package anonymizer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	nameRe    = regexp.MustCompile(`\b([A-Z][a-z]+\s+[A-Z][a-z]+)\b`)
	emailRe   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe   = regexp.MustCompile(`\b(\+?\d{1,2}\s?)?\(?(\d{3,5})\)?[-.\s]?(\d{1,5})[-.\s]?(\d{2,4})[-.\s]?(\d{2,4})\b`)
	addressRe = regexp.MustCompile(`\b(\d+\s+[A-Za-z]+\s+([Ss]treet|[Rr]oad|[Aa]venue|[Bb]oulevard|[Ll]ane|[Dd]rive|[Cc]ourt|[Pp]lace|[Ss]quare|[Hh]ighway|[Pp]arkway|[Cc]ircle|[Tt]errace|[Ww]ay)|[A-ZÄÖÜ][a-zäöüß]*(straße|strasse|weg|gasse|platz|allee)\s+\d+)\b`)
	companyRe = regexp.MustCompile(`\b([A-Z][a-z]*\s*(Technologies|Software|Systems|Inc\.?|Ltd\.?|LLC|Corp\.?|Corporation|Company|Co\.?|GmbH|AG|KG))\b`)
)

// Anonymize replaces detected sensitive values with placeholder tokens.
// The same matched substring always gets the same random id within one call;
// ids differ between calls. Overlapping matches across categories are not
// deduplicated - a value may end up partially replaced twice.
func Anonymize(text string) string {
	res := text
	for _, name := range distinctMatches(nameRe, text) {
		id := newID()
		res = strings.ReplaceAll(res,
			name, fmt.Sprintf("{%%{FirstName-%s}%%} {%%{LastName-%s}%%}", id, id))
	}
	for _, email := range distinctMatches(emailRe, text) {
		res = strings.ReplaceAll(res, email, placeholder("Email", newID()))
	}
	for _, phone := range distinctMatches(phoneRe, text) {
		res = strings.ReplaceAll(res, phone, placeholder("Phone", newID()))
	}
	for _, address := range distinctMatches(addressRe, text) {
		res = strings.ReplaceAll(res, address, placeholder("Address", newID()))
	}
	for _, company := range distinctMatches(companyRe, text) {
		res = strings.ReplaceAll(res, company, placeholder("CompanyName", newID()))
	}
	return res
}

func placeholder(category, id string) string {
	return fmt.Sprintf("{%%{%s-%s}%%}", category, id)
}

func newID() string {
	return uuid.New().String()[:8]
}

func distinctMatches(re *regexp.Regexp, text string) []string {
	var res []string
	seen := map[string]bool{}
	for _, m := range re.FindAllString(text, -1) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		res = append(res, m)
	}
	return res
}
