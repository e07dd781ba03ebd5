package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/threadloop/snowball/internal/config"
)

// KarmaService is the contract with the platform's auth/karma collaborator.
// The engine only ever reads karma; bookkeeping lives elsewhere.
type KarmaService interface {
	GetUserKarma(ctx context.Context, userID uint) (int, error)
}

// HTTPKarmaClient resolves karma from the platform karma service over HTTP.
type HTTPKarmaClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPKarmaClient(cfg *config.KarmaConfig) *HTTPKarmaClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPKarmaClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPKarmaClient) GetUserKarma(ctx context.Context, userID uint) (int, error) {
	url := fmt.Sprintf("%s/users/%d/karma", c.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("karma service returned status %d", resp.StatusCode)
	}

	var body struct {
		Karma int `json:"karma"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	return body.Karma, nil
}

// StaticKarmaService returns a fixed karma for every user. Used in
// development when no karma service is configured, and in tests.
type StaticKarmaService struct {
	Karma  int
	ByUser map[uint]int
}

func NewStaticKarmaService(karma int) *StaticKarmaService {
	return &StaticKarmaService{Karma: karma}
}

func (s *StaticKarmaService) GetUserKarma(ctx context.Context, userID uint) (int, error) {
	if s.ByUser != nil {
		if k, ok := s.ByUser[userID]; ok {
			return k, nil
		}
	}
	return s.Karma, nil
}

// NewKarmaService selects the karma implementation from config.
func NewKarmaService(cfg *config.KarmaConfig) KarmaService {
	if cfg.BaseURL == "" {
		return NewStaticKarmaService(cfg.DefaultKarma)
	}
	return NewHTTPKarmaClient(cfg)
}
