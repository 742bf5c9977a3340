package quota

import (
	"testing"
	"time"
)

func TestCurrentMonth(t *testing.T) {
	month := currentMonth()
	if len(month) != 7 {
		t.Errorf("currentMonth() = %q, expected format YYYY-MM (length 7)", month)
	}
}

func TestDaysUntilEndOfMonth(t *testing.T) {
	d := daysUntilEndOfMonth()
	if d <= 0 {
		t.Errorf("daysUntilEndOfMonth() = %v, expected positive duration", d)
	}
	if d > 31*24*time.Hour {
		t.Errorf("daysUntilEndOfMonth() = %v, expected less than 31 days", d)
	}
}

func TestQuotaKey(t *testing.T) {
	key := quotaKey("sender@example.com")
	if want := "quota:send:sender@example.com:" + currentMonth(); key != want {
		t.Errorf("quotaKey = %q, want %q", key, want)
	}
}

func TestNilClientDisablesEnforcement(t *testing.T) {
	l := NewLimiter(nil, Config{DefaultMonthlyLimit: 10000})
	if l == nil {
		t.Fatal("NewLimiter() returned nil")
	}

	// All methods should gracefully handle nil client
	ctx := t.Context()
	if err := l.Check(ctx, "sender@example.com", 100); err != nil {
		t.Errorf("Check() with nil client error = %v", err)
	}
	if err := l.Check(ctx, "sender@example.com", 0); err != nil {
		t.Errorf("Check() with default limit error = %v", err)
	}
	if err := l.Record(ctx, "sender@example.com"); err != nil {
		t.Errorf("Record() with nil client error = %v", err)
	}
}
