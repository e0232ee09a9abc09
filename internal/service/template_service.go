// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

const defaultFirstName = "there"

// Personalize fills the recipient placeholders in template. Unknown
// placeholders are left untouched; a missing first name reads "there".
func Personalize(template string, c model.Customer) string {
	firstName := strings.TrimSpace(c.FirstName)
	if firstName == "" {
		firstName = defaultFirstName
	}

	r := strings.NewReplacer(
		"{{firstName}}", firstName,
		"{{lastName}}", c.LastName,
		"{{phone}}", c.Phone,
		"{{email}}", c.Email,
		"{{location}}", c.Location,
		"{{preferredProduct}}", c.PreferredProduct,
	)
	return r.Replace(template)
}

// NormalizePhone returns the number in E.164 form. Numbers already starting
// with "+" are returned unchanged. Ten digit numbers get countryCode.
func NormalizePhone(raw, countryCode string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "+") {
		return raw
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	if len(digits) == 10 {
		return "+" + strings.TrimPrefix(countryCode, "+") + digits
	}
	return "+" + digits
}
