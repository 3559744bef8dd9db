package archive

import "time"

// ChatArchive is the durable half of the message pipeline. The
// real-time relay never writes here; clients persist through the REST
// API in a separate call, so ordering between relay and archive is not
// guaranteed.
type ChatArchive interface {
	Ping() error
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversation(id string) (Conversation, error)
	ListConversations(userId string) ([]Conversation, error)
	IsMember(conversationId, userId string) (bool, error)
	SaveMessage(msg Message) (Message, error)
	GetMessages(conversationId string, before, after time.Time, limit int) ([]Message, error)
	UpdateMessageStatus(messageId, status string) error
}
