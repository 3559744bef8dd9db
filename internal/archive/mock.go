package archive

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatArchive struct {
	mock.Mock
}

func (m *MockChatArchive) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatArchive) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatArchive) GetConversation(id string) (Conversation, error) {
	args := m.Called(id)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockChatArchive) ListConversations(userId string) ([]Conversation, error) {
	args := m.Called(userId)
	return args.Get(0).([]Conversation), args.Error(1)
}
func (m *MockChatArchive) IsMember(conversationId, userId string) (bool, error) {
	args := m.Called(conversationId, userId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatArchive) SaveMessage(msg Message) (Message, error) {
	args := m.Called(msg)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatArchive) GetMessages(conversationId string, before, after time.Time, limit int) ([]Message, error) {
	args := m.Called(conversationId, before, after, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockChatArchive) UpdateMessageStatus(messageId, status string) error {
	args := m.Called(messageId, status)
	return args.Error(0)
}
