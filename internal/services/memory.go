package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-procurement-bot/internal/llm"
	"github.com/tbourn/go-procurement-bot/internal/repo"
)

// Conversation memory keys.
const (
	intakeKeyPrefix      = "intake:"
	negotiationKeyPrefix = "negotiation:"
)

// DBMemory is an llm.Memory backed by the conversation_turns table.
type DBMemory struct {
	DB *gorm.DB
	// Limit caps the history handed to the generator. Zero means unlimited.
	Limit int
}

var _ llm.Memory = (*DBMemory)(nil)

// Append stores turns in order inside one transaction.
func (m *DBMemory) Append(ctx context.Context, key string, turns ...llm.Turn) error {
	return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range turns {
			if _, err := repo.AppendTurn(ctx, tx, key, t.Role, t.Content); err != nil {
				return err
			}
		}
		return nil
	})
}

// History returns the stored turns for key, oldest first.
func (m *DBMemory) History(ctx context.Context, key string) ([]llm.Turn, error) {
	rows, err := repo.ListTurns(ctx, m.DB, key, m.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Turn, 0, len(rows))
	for _, r := range rows {
		out = append(out, llm.Turn{Role: r.Role, Content: r.Content})
	}
	return out, nil
}
