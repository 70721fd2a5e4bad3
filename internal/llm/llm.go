// Package llm wraps the text-generation collaborator. The core treats the
// generator as opaque: it sends a persona, the stored history and one new
// input, and receives text back. Structured replies are recovered with
// ExtractJSON on a best-effort basis.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Roles used in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNoJSON means the reply contained no {...} block.
var ErrNoJSON = errors.New("no json object in reply")

// ErrUnavailable is returned by Offline.
var ErrUnavailable = errors.New("text generation unavailable")

// Turn is one stored message of a conversation.
type Turn struct {
	Role    string
	Content string
}

// Request is a single completion call. A zero Temperature means the
// generator's default.
type Request struct {
	System      string
	History     []Turn
	Input       string
	Temperature float64
}

// Generator produces text for a request.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Memory is a keyed, ordered store of conversation turns.
type Memory interface {
	Append(ctx context.Context, key string, turns ...Turn) error
	History(ctx context.Context, key string) ([]Turn, error)
}

// Conversation binds a generator, a memory and a persona.
type Conversation struct {
	Gen         Generator
	Mem         Memory
	Persona     string
	Temperature float64
}

// Reply sends input with the stored history for key. The input and the reply
// are appended to memory only when generation succeeds, so a failed call can
// be retried without leaving half a round behind.
func (c *Conversation) Reply(ctx context.Context, key, input string) (string, error) {
	if c == nil || c.Gen == nil {
		return "", ErrUnavailable
	}
	var history []Turn
	if c.Mem != nil {
		h, err := c.Mem.History(ctx, key)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		history = h
	}
	out, err := c.Gen.Complete(ctx, Request{
		System:      c.Persona,
		History:     history,
		Input:       input,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", err
	}
	if c.Mem != nil {
		if err := c.Mem.Append(ctx, key, Turn{Role: RoleUser, Content: input}, Turn{Role: RoleAssistant, Content: out}); err != nil {
			return out, fmt.Errorf("store turns: %w", err)
		}
	}
	return out, nil
}

var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// ExtractJSON decodes the outermost {...} block of text into v.
func ExtractJSON(text string, v any) error {
	block := jsonBlock.FindString(text)
	if block == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(block), v); err != nil {
		return fmt.Errorf("decode reply json: %w", err)
	}
	return nil
}

// Offline is a Generator that always fails with ErrUnavailable. It is used
// when no generator credentials are configured.
type Offline struct{}

// Complete implements Generator.
func (Offline) Complete(context.Context, Request) (string, error) { return "", ErrUnavailable }

// Encode marshals a context record for a turn, keeping non-ASCII text readable.
func Encode(v any) string {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(b.String())
}
