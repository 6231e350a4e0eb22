package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCompareIDs(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"9", "10", -1},
		{"1790000000000000001", "1790000000000000000", 1},
		{"123", "123", 0},
		{"0123", "123", 0},
		{"99", "100", -1},
	}
	for _, tt := range tests {
		if got := CompareIDs(tt.a, tt.b); got != tt.want {
			t.Fatalf("CompareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMaxID(t *testing.T) {
	if got := MaxID("", "5"); got != "5" {
		t.Fatalf("expected 5, got %q", got)
	}
	if got := MaxID("100", "99"); got != "100" {
		t.Fatalf("expected 100, got %q", got)
	}
	if got := MaxID("7", ""); got != "7" {
		t.Fatalf("expected 7, got %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text string
		want MentionKind
	}{
		{"@HeroBot Zed price?", MentionDirect},
		{"@herobot, Zed", MentionDirect},
		{"what about Zed @herobot", MentionIndirect},
		{"herobot Zed", MentionIndirect},
		{"", MentionIndirect},
	}
	for _, tt := range tests {
		if got := Classify(tt.text, "herobot"); got != tt.want {
			t.Fatalf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestStripHandles(t *testing.T) {
	got := StripHandles("@alice @herobot Zed please", "herobot", MentionDirect)
	if got != "Zed please" {
		t.Fatalf("direct strip: got %q", got)
	}
	got = StripHandles("check @Zed via @herobot.", "herobot", MentionIndirect)
	if got != "check @Zed via" {
		t.Fatalf("indirect strip: got %q", got)
	}
}

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusForbidden, KindPermissionDenied},
		{http.StatusNotFound, KindNotFound},
		{http.StatusInternalServerError, KindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyHTTP(tt.status, "", "").Kind; got != tt.want {
			t.Fatalf("status %d: got %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", &APIError{Kind: KindRateLimited, Status: 429})
	if !IsRateLimited(wrapped) {
		t.Fatal("wrapped APIError should be rate limited")
	}
	if !IsRateLimited(errors.New("Rate limit exceeded")) {
		t.Fatal("message match should classify as rate limited")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatal("plain error should be unknown")
	}
	if KindOf(nil) != "" {
		t.Fatal("nil error should have no kind")
	}
}

func TestIsActionNotPermitted(t *testing.T) {
	err := ClassifyHTTP(http.StatusForbidden, "", "You are not permitted to perform this action.")
	if !IsActionNotPermitted(err) {
		t.Fatal("expected not-permitted 403 to be retryable")
	}
	dup := ClassifyHTTP(http.StatusForbidden, "", "duplicate content")
	if IsActionNotPermitted(dup) {
		t.Fatal("duplicate content 403 must not be retried")
	}
	if IsActionNotPermitted(ClassifyHTTP(http.StatusTooManyRequests, "", "")) {
		t.Fatal("429 is not a permission failure")
	}
}
