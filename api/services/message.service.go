package services

import (
	"context"
	"fmt"

	"skycourier/db"
	"skycourier/pkg/geo"
	"skycourier/pkg/ontology"
)

type MessageService struct {
	store *db.MessageStore
}

func NewMessageService(store *db.MessageStore) *MessageService {
	return &MessageService{store: store}
}

func (s *MessageService) CreateMessage(ctx context.Context, req *ontology.CreateMessageRequest) (*ontology.Message, error) {
	if req.SenderID == "" || req.RecipientID == "" {
		return nil, fmt.Errorf("%w: sender_id and recipient_id are required", ErrInvalidRequest)
	}
	if err := geo.Validate(req.Origin); err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	if err := geo.Validate(req.Destination); err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	return s.store.CreateMessage(ctx, req)
}

func (s *MessageService) GetMessage(ctx context.Context, messageID string) (*ontology.Message, error) {
	return s.store.GetMessage(ctx, messageID)
}

func (s *MessageService) ListMessages(ctx context.Context, userID string, limit int) ([]*ontology.Message, error) {
	return s.store.ListMessages(ctx, userID, limit)
}
