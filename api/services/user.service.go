package services

import (
	"context"

	"skycourier/db"
	"skycourier/pkg/ontology"
)

type UserService struct {
	store *db.MessageStore
}

func NewUserService(store *db.MessageStore) *UserService {
	return &UserService{store: store}
}

func (s *UserService) GetStats(ctx context.Context, userID string) (*ontology.UserStats, error) {
	return s.store.GetUserStats(ctx, userID)
}

func (s *UserService) ListJourney(ctx context.Context, userID string, limit int) ([]ontology.JourneyEntry, error) {
	return s.store.ListJourney(ctx, userID, limit)
}

func (s *UserService) ListNotifications(ctx context.Context, userID string, limit int) ([]ontology.Notification, error) {
	return s.store.ListNotifications(ctx, userID, limit)
}
