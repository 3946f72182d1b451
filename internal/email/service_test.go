package email

import (
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	if NewService(Config{}).IsConfigured() {
		t.Fatal("empty config must report unconfigured")
	}
	s := NewService(Config{Host: "smtp.example.org", Port: "587", From: "noreply@example.org"})
	if !s.IsConfigured() {
		t.Fatal("full config must report configured")
	}
}

func TestSendFailsWhenUnconfigured(t *testing.T) {
	s := NewService(Config{})
	if err := s.SendHTMLEmail([]string{"x@example.org"}, "subject", "<p>body</p>"); err == nil {
		t.Fatal("expected error when SMTP is not configured")
	}
}

func TestShareTemplateRenders(t *testing.T) {
	html, err := renderTemplate(shareEmailTemplate, ShareData{
		AppName:       "StudyHall",
		RecipientName: "Priya",
		SharerName:    "Mr. Okafor",
		DocumentTitle: "Lab Report",
		Permission:    "comment",
		DocumentURL:   "https://studyhall.example.org/documents/doc_1",
	})
	if err != nil {
		t.Fatalf("renderTemplate error = %v", err)
	}
	for _, want := range []string{"Priya", "Mr. Okafor", "Lab Report", "comment", "doc_1"} {
		if !strings.Contains(html, want) {
			t.Fatalf("rendered email missing %q", want)
		}
	}
}
