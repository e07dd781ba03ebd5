package services

import (
	"context"
	"strings"
	"testing"

	"github.com/threadloop/snowball/internal/config"
	"github.com/threadloop/snowball/internal/models"
)

func TestNewTransport_Selection(t *testing.T) {
	if _, ok := NewTransport(&config.SMTPConfig{Enabled: false}).(LogTransport); !ok {
		t.Error("disabled SMTP should select LogTransport")
	}
	if _, ok := NewTransport(&config.SMTPConfig{Enabled: true}).(LogTransport); !ok {
		t.Error("enabled SMTP without a host should still select LogTransport")
	}
	if _, ok := NewTransport(&config.SMTPConfig{Enabled: true, Host: "smtp.example.com"}).(*SMTPTransport); !ok {
		t.Error("enabled SMTP with a host should select SMTPTransport")
	}
}

func TestLogTransport_Send(t *testing.T) {
	if err := (LogTransport{}).Send(context.Background(), "a@example.com", "s", "b"); err != nil {
		t.Errorf("LogTransport.Send() error = %v", err)
	}
}

func TestBuildInviteSubject(t *testing.T) {
	repo := &models.Repository{Topic: "urban beekeeping"}
	subject := BuildInviteSubject(repo)
	if !strings.Contains(subject, "urban beekeeping") {
		t.Errorf("subject %q should name the topic", subject)
	}
}

func TestBuildInviteBody_OptInLink(t *testing.T) {
	repo := &models.Repository{ID: 7, Topic: "urban beekeeping"}
	member := &models.Member{ID: 42}

	body := BuildInviteBody(repo, member, "http://localhost:8080/opt-in/")
	if !strings.Contains(body, "http://localhost:8080/opt-in/7/42") {
		t.Errorf("body should embed the opt-in URL, got:\n%s", body)
	}
	if !strings.Contains(body, "urban beekeeping") {
		t.Error("body should name the topic")
	}
}
