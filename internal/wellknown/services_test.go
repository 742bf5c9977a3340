package wellknown

import "testing"

func TestLookup(t *testing.T) {
	svc, ok := Lookup("gmail")
	if !ok {
		t.Fatal("gmail not found")
	}
	if svc.Host != "smtp.gmail.com" || svc.Port != 465 || !svc.Secure {
		t.Errorf("unexpected gmail entry: %+v", svc)
	}
}

func TestLookupAliases(t *testing.T) {
	tests := []struct {
		alias string
		host  string
	}{
		{"googlemail", "smtp.gmail.com"},
		{"gmail.com", "smtp.gmail.com"},
		{"office365", "smtp.office365.com"},
		{"outlook.com", "smtp-mail.outlook.com"},
		{"aws", "email-smtp.us-east-1.amazonaws.com"},
		{"brevo", "smtp-relay.sendinblue.com"},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			svc, ok := Lookup(tt.alias)
			if !ok {
				t.Fatalf("alias %q not found", tt.alias)
			}
			if svc.Host != tt.host {
				t.Errorf("host = %q, want %q", svc.Host, tt.host)
			}
		})
	}
}

func TestLookupNormalization(t *testing.T) {
	for _, name := range []string{"Gmail", " gmail ", "GMAIL"} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("Lookup(%q) failed", name)
		}
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("definitely-not-a-provider"); ok {
		t.Error("unexpected hit for unknown service")
	}
}
