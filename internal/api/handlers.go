package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatline/chatline/internal/archive"
	"github.com/chatline/chatline/internal/signal"
	"github.com/chatline/chatline/internal/types"
)

type CreateConversationRequest struct {
	Name      string   `json:"name"`
	MemberIds []string `json:"member_ids"`
}

type CreateMessageRequest struct {
	Id             string `json:"id"`
	ConversationId string `json:"conversation_id"`
	ReceiverId     string `json:"receiver_id"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	Attachment     string `json:"attachment"`
}

type UpdateMessageStatusRequest struct {
	MessageId string `json:"message_id"`
	Status    string `json:"status"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbConvs, err := s.archive.ListConversations(user.Id)
	if err != nil {
		s.log.Println("list conversations:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	convs := make([]types.Conversation, 0, len(dbConvs))
	for _, dbConv := range dbConvs {
		convs = append(convs, types.Conversation{
			Id:        dbConv.Id,
			Name:      dbConv.Name,
			MemberIds: dbConv.MemberIds,
			CreatedAt: dbConv.CreatedAt,
			UpdatedAt: dbConv.UpdatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *ChatApp) createConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	memberIds := req.MemberIds
	if !slices.Contains(memberIds, user.Id) {
		memberIds = append(memberIds, user.Id)
	}
	if len(memberIds) < 2 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Print("generateShortId:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv, err := s.archive.CreateConversation(archive.CreateConversationParams{
		Id:        sid,
		Name:      req.Name,
		MemberIds: memberIds,
	})
	if err != nil {
		s.log.Println("create conversation:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Conversation{
		Id:        conv.Id,
		Name:      conv.Name,
		MemberIds: conv.MemberIds,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	})
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conversationId := r.URL.Query().Get("conversation_id")
	if conversationId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	isMember, err := s.archive.IsMember(conversationId, user.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var before, after time.Time
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		before, err = time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, err = time.Parse(time.RFC3339, afterStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	var limit int
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	dbMessages, err := s.archive.GetMessages(conversationId, before, after, limit)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, types.Message{
			Id:             msg.Id,
			ConversationId: msg.ConversationId,
			SenderId:       msg.SenderId,
			ReceiverId:     msg.ReceiverId,
			Content:        msg.Content,
			Type:           msg.Type,
			Attachment:     msg.Attachment,
			Status:         types.MessageStatus(msg.Status),
			Timestamp:      msg.CreatedAt,
		})
	}

	s.writeJson(w, http.StatusOK, messages)
}

// createMessage is the durable half of the send path: the client relays
// over the event channel and persists here, in either order.
func (s *ChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.ConversationId == "" && req.ReceiverId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Id == "" {
		sid, err := s.generateShortId()
		if err != nil {
			s.log.Print("generateShortId:", err)
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		req.Id = sid
	}

	msgType := req.Type
	if msgType == "" {
		msgType = "text"
	}

	saved, err := s.archive.SaveMessage(archive.Message{
		Id:             req.Id,
		ConversationId: req.ConversationId,
		SenderId:       user.Id,
		ReceiverId:     req.ReceiverId,
		Content:        req.Content,
		Type:           msgType,
		Attachment:     req.Attachment,
		Status:         string(types.StatusSent),
	})
	if err != nil {
		s.log.Println("save message:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, types.Message{
		Id:             saved.Id,
		ConversationId: saved.ConversationId,
		SenderId:       saved.SenderId,
		ReceiverId:     saved.ReceiverId,
		Content:        saved.Content,
		Type:           saved.Type,
		Attachment:     saved.Attachment,
		Status:         types.MessageStatus(saved.Status),
		Timestamp:      saved.CreatedAt,
	})
}

func (s *ChatApp) updateMessageStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateMessageStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	status := types.MessageStatus(req.Status)
	if req.MessageId == "" || status.Rank() <= types.StatusPending.Rank() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	// unknown ids and backward transitions are no-ops in the archive,
	// so the update is idempotent and always acks with 204
	if err := s.archive.UpdateMessageStatus(req.MessageId, req.Status); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := signal.NewClient(user, conn, s.ss, s.log)

	s.ss.RegisterClient(client)
	go client.Write()
	go client.Read()
}
