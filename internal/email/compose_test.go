package email

import (
	"strings"
	"testing"
)

func TestToPlain(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bold", "Amount **approved**", "Amount approved"},
		{"italic", "This is *italic* text", "This is italic text"},
		{"link", "See [policy](https://example.com/p)", "See policy (https://example.com/p)"},
		{"heading", "## Decision\n\nApproved", "Decision\n\nApproved"},
		{"paragraphs", "<p>Dear Asha,</p><p>Your claim was approved.</p>", "Dear Asha,\nYour claim was approved."},
		{"line breaks", "Total: 450<br>Type: FOOD_EXPENSE", "Total: 450\nType: FOOD_EXPENSE"},
		{"entities", "<b>Fish &amp; Chips</b>", "Fish & Chips"},
		{"plain unchanged", "Just some regular text.", "Just some regular text."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toPlain(tt.body); got != tt.want {
				t.Errorf("toPlain(%q) =\n  %q\nwant\n  %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestToHTML(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"markdown", "Hello **world**", "<strong>world</strong>"},
		{"raw html kept", "<p>Claim <b>rejected</b></p>", "<b>rejected</b>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toHTML(tt.body)
			if err != nil {
				t.Fatalf("toHTML() error: %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("toHTML(%q) = %q, want it to contain %q", tt.body, got, tt.want)
			}
			if !strings.Contains(got, "<!DOCTYPE html>") {
				t.Error("HTML should have DOCTYPE wrapper")
			}
		})
	}
}

func TestComposeMessage(t *testing.T) {
	msg, err := ComposeMessage(ComposeOptions{
		From:    "Reimbursements <ap@example.com>",
		To:      []string{"asha@example.com"},
		Subject: "Receipt approved",
		Body:    "Your **FOOD_EXPENSE** claim was approved.",
	})
	if err != nil {
		t.Fatalf("ComposeMessage() error: %v", err)
	}

	s := string(msg)
	for _, want := range []string{
		"ap@example.com",
		"asha@example.com",
		"Subject: Receipt approved",
		"Message-Id:",
		"Date:",
		"multipart/alternative",
		"text/plain",
		"text/html",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("message missing %q:\n%s", want, s[:min(len(s), 600)])
		}
	}
}

func TestComposeMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts ComposeOptions
	}{
		{"invalid from", ComposeOptions{From: "not-an-email", To: []string{"to@example.com"}}},
		{"invalid to", ComposeOptions{From: "ap@example.com", To: []string{"nobody"}}},
		{"no recipients", ComposeOptions{From: "ap@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ComposeMessage(tt.opts); err == nil {
				t.Error("ComposeMessage should fail")
			}
		})
	}
}
