package handlers

import (
	"context"

	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the REST handlers need.
type Store interface {
	RoomPeerCount(ctx context.Context, roomID string) (int, error)
	GetContact(ctx context.Context, identity string) (models.Contact, error)
	SaveContact(ctx context.Context, contact models.Contact) error
	IsOnline(ctx context.Context, identity string) (bool, error)
	AppendCall(ctx context.Context, owner string, record models.CallRecord) error
	ListCalls(ctx context.Context, owner string) ([]models.CallRecord, error)
}

// API holds the dependencies of the REST handlers.
type API struct {
	store  Store
	logger *logrus.Entry
}

func NewAPI(store Store, logger *logrus.Entry) *API {
	return &API{store: store, logger: logger}
}
