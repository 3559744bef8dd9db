package archive

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// statusOrder makes the forward-only delivery rule enforceable in SQL:
// an update only lands when the new status ranks above the stored one.
const statusOrder = "ARRAY['pending','sent','delivered','read']"

func (db *PgChatArchive) CreateConversation(params CreateConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var conv Conversation
	err = tx.QueryRow(
		"INSERT INTO conversations (id, name, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $3) RETURNING id, name, created_at, updated_at",
		params.Id,
		params.Name,
		now,
	).Scan(&conv.Id, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return Conversation{}, err
	}

	for _, memberId := range params.MemberIds {
		if _, err := tx.Exec(
			"INSERT INTO conversation_members (conversation_id, user_id, created_at) VALUES ($1, $2, $3)",
			conv.Id,
			memberId,
			now,
		); err != nil {
			return Conversation{}, err
		}
	}
	conv.MemberIds = params.MemberIds

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgChatArchive) GetConversation(id string) (Conversation, error) {
	var conv Conversation
	err := db.conn.QueryRow(
		"SELECT c.id, c.name, c.created_at, c.updated_at, "+
			"COALESCE(array_agg(m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}') "+
			"FROM conversations c "+
			"LEFT JOIN conversation_members m ON m.conversation_id = c.id "+
			"WHERE c.id = $1 GROUP BY c.id",
		id,
	).Scan(&conv.Id, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt, pq.Array(&conv.MemberIds))

	return conv, err
}

func (db *PgChatArchive) ListConversations(userId string) ([]Conversation, error) {
	rows, err := db.conn.Query(
		"SELECT c.id, c.name, c.created_at, c.updated_at "+
			"FROM conversations c "+
			"JOIN conversation_members m ON m.conversation_id = c.id "+
			"WHERE m.user_id = $1 ORDER BY c.updated_at DESC",
		userId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.Id, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	return convs, rows.Err()
}

func (db *PgChatArchive) IsMember(conversationId, userId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)",
		conversationId,
		userId,
	).Scan(&exists)

	return exists, err
}

func (db *PgChatArchive) SaveMessage(msg Message) (Message, error) {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	var saved Message
	err := db.conn.QueryRow(
		"INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, type, attachment, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) "+
			"ON CONFLICT (id) DO NOTHING "+
			"RETURNING id, conversation_id, sender_id, receiver_id, content, type, attachment, status, created_at, updated_at",
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.ReceiverId,
		msg.Content,
		msg.Type,
		msg.Attachment,
		msg.Status,
		msg.CreatedAt,
		now,
	).Scan(
		&saved.Id,
		&saved.ConversationId,
		&saved.SenderId,
		&saved.ReceiverId,
		&saved.Content,
		&saved.Type,
		&saved.Attachment,
		&saved.Status,
		&saved.CreatedAt,
		&saved.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// duplicate id: the message is already archived, return it as is
		return db.getMessage(msg.Id)
	}

	return saved, err
}

func (db *PgChatArchive) getMessage(id string) (Message, error) {
	var msg Message
	err := db.conn.QueryRow(
		"SELECT id, conversation_id, sender_id, receiver_id, content, type, attachment, status, created_at, updated_at "+
			"FROM messages WHERE id = $1 LIMIT 1",
		id,
	).Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.ReceiverId,
		&msg.Content,
		&msg.Type,
		&msg.Attachment,
		&msg.Status,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)

	return msg, err
}

func (db *PgChatArchive) GetMessages(conversationId string, before, after time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}

	rows, err := db.conn.Query(
		"SELECT id, conversation_id, sender_id, receiver_id, content, type, attachment, status, created_at, updated_at "+
			"FROM messages WHERE conversation_id = $1 AND created_at < $2 AND created_at > $3 "+
			"ORDER BY created_at DESC LIMIT $4",
		conversationId,
		before,
		after,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.SenderId,
			&msg.ReceiverId,
			&msg.Content,
			&msg.Type,
			&msg.Attachment,
			&msg.Status,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatArchive) UpdateMessageStatus(messageId, status string) error {
	res, err := db.conn.Exec(
		fmt.Sprintf(
			"UPDATE messages SET status = $2, updated_at = $3 WHERE id = $1 "+
				"AND array_position(%s, status) < array_position(%s, $2)",
			statusOrder, statusOrder,
		),
		messageId,
		status,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	// zero rows means either an unknown id or a backward transition;
	// both are silently ignored, matching the forward-only rule
	_, err = res.RowsAffected()
	return err
}
