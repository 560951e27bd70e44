package provider

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind selects a backend variant.
type Kind string

const (
	KindText   Kind = "text_completion"
	KindInsert Kind = "insertion_completion"
	KindLocal  Kind = "local_inference"
	KindChat   Kind = "chat"
)

// ParseKind accepts the canonical kind names and the legacy configuration
// names GPT_forward, GPT_insert and OPT.
func ParseKind(s string) (Kind, error) {
	switch strings.TrimSpace(s) {
	case string(KindText), "GPT_forward":
		return KindText, nil
	case string(KindInsert), "GPT_insert":
		return KindInsert, nil
	case string(KindLocal), "OPT":
		return KindLocal, nil
	case string(KindChat):
		return KindChat, nil
	}
	return "", fmt.Errorf("provider: unknown backend kind %q", s)
}

// Config describes one backend.
type Config struct {
	Kind    Kind
	Name    string // display name; defaults per variant
	BaseURL string
	APIKeys []string
	Timeout time.Duration
	Params  Params

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

func (c Config) name(def string) string {
	if c.Name != "" {
		return c.Name
	}
	return def
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// New builds the adapter for cfg.Kind. Text and insertion configurations
// naming an OPT-family model are served by the local variant, since those
// models are only available locally.
func New(cfg Config) (Adapter, error) {
	kind := cfg.Kind
	if (kind == KindText || kind == KindInsert) && isLocalModel(cfg.Params.Model) {
		kind = KindLocal
	}
	switch kind {
	case KindText:
		return NewTextAdapter(cfg)
	case KindInsert:
		return NewInsertAdapter(cfg)
	case KindLocal:
		return NewLocalAdapter(cfg)
	case KindChat:
		return NewChatAdapter(cfg)
	}
	return nil, fmt.Errorf("provider: unknown backend kind %q", cfg.Kind)
}

func isLocalModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opt")
}
