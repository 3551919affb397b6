package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// FirestoreSessionStore keeps the session in a single Firestore document so
// that a replacement instance can resume the cycle of a crashed one.
type FirestoreSessionStore struct {
	doc *firestore.DocumentRef
}

// NewFirestoreSessionStore returns a store backed by collection/documentID.
func NewFirestoreSessionStore(client *firestore.Client, collection, documentID string) *FirestoreSessionStore {
	return &FirestoreSessionStore{doc: client.Collection(collection).Doc(documentID)}
}

func (s *FirestoreSessionStore) Save(ctx context.Context, session models.Session) error {
	if _, err := s.doc.Set(ctx, session); err != nil {
		return fmt.Errorf("failed to save session document %s: %w", s.doc.ID, err)
	}
	return nil
}

func (s *FirestoreSessionStore) Load(ctx context.Context) (models.Session, error) {
	snap, err := s.doc.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return models.Session{}, nil
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session document %s: %w", s.doc.ID, err)
	}
	var session models.Session
	if err := snap.DataTo(&session); err != nil {
		return models.Session{}, fmt.Errorf("failed to decode session document %s: %w", s.doc.ID, err)
	}
	return session, nil
}

func (s *FirestoreSessionStore) Clear(ctx context.Context) error {
	if _, err := s.doc.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to clear session document %s: %w", s.doc.ID, err)
	}
	return nil
}
