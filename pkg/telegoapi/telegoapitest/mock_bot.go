// Package telegoapitest provides a testify mock of telegoapi.BotAPI.
package telegoapitest

import (
	"context"
	"sync"

	telegoapi "bookbot/pkg/telegoapi"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/mock"
)

var _ telegoapi.BotAPI = (*MockBot)(nil)

// MockBot is a mock implementing the telegoapi.BotAPI interface.
// Sent messages are also recorded so tests can inspect texts without
// matching every parameter.
type MockBot struct {
	mock.Mock

	mu       sync.Mutex
	messages []*telego.SendMessageParams
}

func (m *MockBot) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	m.mu.Lock()
	m.messages = append(m.messages, params)
	m.mu.Unlock()

	args := m.Called(ctx, params)
	if msg, ok := args.Get(0).(*telego.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBot) SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error) {
	args := m.Called(ctx, params)
	if msg, ok := args.Get(0).(*telego.Message); ok {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBot) SendMediaGroup(ctx context.Context, params *telego.SendMediaGroupParams) ([]telego.Message, error) {
	args := m.Called(ctx, params)
	if msgs, ok := args.Get(0).([]telego.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBot) DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockBot) GetChatMember(ctx context.Context, params *telego.GetChatMemberParams) (telego.ChatMember, error) {
	args := m.Called(ctx, params)
	if member, ok := args.Get(0).(telego.ChatMember); ok {
		return member, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBot) SetMyCommands(ctx context.Context, params *telego.SetMyCommandsParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockBot) AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

// SentTexts returns the text of every SendMessage call so far.
func (m *MockBot) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, len(m.messages))
	for i, p := range m.messages {
		texts[i] = p.Text
	}
	return texts
}

// LastMessage returns the params of the most recent SendMessage call, or nil.
func (m *MockBot) LastMessage() *telego.SendMessageParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}
