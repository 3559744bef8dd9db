package archive

import "time"

type Conversation struct {
	Id        string
	Name      string
	MemberIds []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Id             string
	ConversationId string
	SenderId       string
	ReceiverId     string
	Content        string
	Type           string
	Attachment     string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type CreateConversationParams struct {
	Id        string
	Name      string
	MemberIds []string
}
