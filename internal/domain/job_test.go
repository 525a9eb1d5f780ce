package domain_test

import (
	"testing"

	"github.com/nabilkh/go-job-queue/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "pending"},
		{domain.StatusRunning, "running"},
		{domain.StatusCompleted, "completed"},
		{domain.StatusFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
		})
	}
}

func TestIsTerminal_TerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		t.Run(string(s), func(t *testing.T) {
			if !s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = false, want true", s)
			}
		})
	}
}

func TestIsTerminal_NonTerminalStates(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusRunning} {
		t.Run(string(s), func(t *testing.T) {
			if s.IsTerminal() {
				t.Errorf("IsTerminal(%q) = true, want false", s)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		want     bool
	}{
		{domain.StatusPending, domain.StatusRunning, true},
		{domain.StatusRunning, domain.StatusCompleted, true},
		{domain.StatusRunning, domain.StatusFailed, true},
		{domain.StatusPending, domain.StatusCompleted, false},
		{domain.StatusPending, domain.StatusFailed, false},
		{domain.StatusCompleted, domain.StatusRunning, false},
		{domain.StatusCompleted, domain.StatusFailed, false},
		{domain.StatusFailed, domain.StatusRunning, false},
		{domain.StatusRunning, domain.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusRunning,
		domain.StatusCompleted, domain.StatusFailed,
	} {
		if !s.Valid() {
			t.Errorf("Valid(%q) = false, want true", s)
		}
	}
	if domain.Status("cancelled").Valid() {
		t.Error(`Valid("cancelled") = true, want false`)
	}
}
