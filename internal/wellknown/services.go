// Package wellknown maps service names to the SMTP endpoint settings of
// popular providers, so callers can say "gmail" instead of spelling out
// host, port and TLS mode.
package wellknown

import "strings"

// Service is the endpoint triple supplied by a well-known entry.
type Service struct {
	Host   string
	Port   int
	Secure bool
}

// services is keyed by normalized name. Aliases and login domains map to the
// same entries below.
var services = map[string]Service{
	"gmail":      {Host: "smtp.gmail.com", Port: 465, Secure: true},
	"outlook365": {Host: "smtp.office365.com", Port: 587},
	"hotmail":    {Host: "smtp-mail.outlook.com", Port: 587},
	"yahoo":      {Host: "smtp.mail.yahoo.com", Port: 465, Secure: true},
	"icloud":     {Host: "smtp.mail.me.com", Port: 587},
	"zoho":       {Host: "smtp.zoho.com", Port: 465, Secure: true},
	"fastmail":   {Host: "smtp.fastmail.com", Port: 465, Secure: true},
	"sendgrid":   {Host: "smtp.sendgrid.net", Port: 587},
	"mailgun":    {Host: "smtp.mailgun.org", Port: 465, Secure: true},
	"postmark":   {Host: "smtp.postmarkapp.com", Port: 587},
	"sparkpost":  {Host: "smtp.sparkpostmail.com", Port: 587},
	"ses":        {Host: "email-smtp.us-east-1.amazonaws.com", Port: 465, Secure: true},
	"mailtrap":   {Host: "smtp.mailtrap.io", Port: 2525},
	"mandrill":   {Host: "smtp.mandrillapp.com", Port: 587},
	"sendinblue": {Host: "smtp-relay.sendinblue.com", Port: 587},
}

// aliases maps alternative spellings and login domains to canonical keys.
var aliases = map[string]string{
	"googlemail":         "gmail",
	"gmail.com":          "gmail",
	"googlemail.com":     "gmail",
	"office365":          "outlook365",
	"outlook.com":        "hotmail",
	"hotmail.com":        "hotmail",
	"live.com":           "hotmail",
	"yahoo.com":          "yahoo",
	"me.com":             "icloud",
	"mac.com":            "icloud",
	"icloud.com":         "icloud",
	"zoho.com":           "zoho",
	"fastmail.com":       "fastmail",
	"aws":                "ses",
	"amazon ses":         "ses",
	"brevo":              "sendinblue",
}

// normalize lowercases the key and strips whitespace so "Gmail" and
// " gmail " resolve identically.
func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Lookup resolves a service name or alias to its endpoint settings.
func Lookup(name string) (Service, bool) {
	key := normalize(name)
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	svc, ok := services[key]
	return svc, ok
}
