// Package collab defines the contracts vaultgate consumes from outside
// services: transactional email, AI completion and the product catalog.
// Only email has an implementation here (Resend).
package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxPromptTokens is the ceiling on Prompt.MaxTokens.
const MaxPromptTokens = 1000

var (
	ErrPromptEmpty    = errors.New("collab: prompt text is empty")
	ErrPromptTooLarge = fmt.Errorf("collab: max tokens exceeds %d", MaxPromptTokens)
	ErrNotFound       = errors.New("collab: record not found")
)

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	HTML    string
	// Tags are forwarded to providers that support them.
	Tags map[string]string
}

// EmailSender delivers an email and returns the provider's message id.
type EmailSender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// Prompt is a completion request.
type Prompt struct {
	Text      string
	MaxTokens int
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the result of a Prompt.
type Completion struct {
	Text  string
	Usage Usage
}

// Completer produces AI completions.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt) (Completion, error)
}

// ValidatePrompt checks p before it is sent to a Completer. A zero
// MaxTokens means the provider default.
func ValidatePrompt(p Prompt) error {
	if strings.TrimSpace(p.Text) == "" {
		return ErrPromptEmpty
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("collab: max tokens must not be negative, got %d", p.MaxTokens)
	}
	if p.MaxTokens > MaxPromptTokens {
		return ErrPromptTooLarge
	}
	return nil
}

// Product is a catalog record.
type Product struct {
	ID        string
	Name      string
	Fields    map[string]any
	UpdatedAt time.Time
}

// Catalog reads and updates product records by id. Update merges fields
// into the stored record and returns the result; unknown ids yield
// ErrNotFound.
type Catalog interface {
	Get(ctx context.Context, id string) (Product, error)
	Update(ctx context.Context, id string, fields map[string]any) (Product, error)
}
