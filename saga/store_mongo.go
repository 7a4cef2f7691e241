// Package saga предоставляет реализацию Store через MongoDB.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig конфигурация для MongoDB хранилища
type MongoConfig struct {
	URI              string
	Database         string
	StateCollection  string
	OutboxCollection string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	return nil
}

// DefaultMongoConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:              "mongodb://localhost:27017",
		Database:         "conductor",
		StateCollection:  "saga_instances",
		OutboxCollection: "saga_outbox",
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 10 * time.Second,
	}
}

// mongoState документ состояния саги
type mongoState struct {
	SagaID        string            `bson:"_id"`
	Definition    string            `bson:"definition"`
	Status        string            `bson:"status"`
	CurrentPhase  int               `bson:"current_phase"`
	CorrelationID string            `bson:"correlation_id"`
	StartedAt     time.Time         `bson:"started_at"`
	UpdatedAt     time.Time         `bson:"updated_at"`
	LastError     string            `bson:"last_error,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	Payload       []byte            `bson:"payload,omitempty"`
}

// mongoOutbox документ записи outbox
type mongoOutbox struct {
	ID           string            `bson:"_id"`
	Subject      string            `bson:"subject"`
	Key          string            `bson:"key"`
	Data         []byte            `bson:"data"`
	Headers      map[string]string `bson:"headers"`
	CreatedAt    time.Time         `bson:"created_at"`
	DispatchedAt *time.Time        `bson:"dispatched_at,omitempty"`
}

// MongoStore реализация Store через MongoDB. Атомарность "состояние + outbox"
// обеспечивается multi-document транзакцией, поэтому требуется replica set.
type MongoStore struct {
	config MongoConfig
	client *mongo.Client
	states *mongo.Collection
	outbox *mongo.Collection
}

// NewMongoStore создает новое MongoDB хранилище
func NewMongoStore(ctx context.Context, config MongoConfig) (*MongoStore, error) {
	if err := config.Validate(); err != nil {
		return nil, Wrap(err, ErrInvalidConfig, "invalid mongo config")
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(config.Database)
	return &MongoStore{
		config: config,
		client: client,
		states: db.Collection(config.StateCollection),
		outbox: db.Collection(config.OutboxCollection),
	}, nil
}

// Close закрывает соединение
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Init(ctx context.Context, state *State, outbound []*OutboxMessage) (*State, bool, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, false, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	created := false
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		var existing mongoState
		err := s.states.FindOne(sessCtx, bson.M{"_id": state.SagaID}).Decode(&existing)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("failed to check existing saga: %w", err)
		}

		if _, err := s.states.InsertOne(sessCtx, toMongoState(state)); err != nil {
			return nil, fmt.Errorf("failed to insert saga: %w", err)
		}
		if err := s.insertOutbox(sessCtx, outbound); err != nil {
			return nil, err
		}
		created = true
		return nil, nil
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		existing, err := s.Get(ctx, state.SagaID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return state.Clone(), true, nil
}

func (s *MongoStore) Get(ctx context.Context, sagaID string) (*State, error) {
	var doc mongoState
	err := s.states.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
		}
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return fromMongoState(&doc), nil
}

func (s *MongoStore) List(ctx context.Context, definition string) ([]*State, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	cursor, err := s.states.Find(ctx, bson.M{"definition": definition}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query sagas: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*State
	for cursor.Next(ctx) {
		var doc mongoState
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode saga: %w", err)
		}
		result = append(result, fromMongoState(&doc))
	}
	return result, cursor.Err()
}

func (s *MongoStore) Update(ctx context.Context, state *State, outbound []*OutboxMessage) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		res, err := s.states.ReplaceOne(sessCtx, bson.M{"_id": state.SagaID}, toMongoState(state))
		if err != nil {
			return nil, fmt.Errorf("failed to update saga: %w", err)
		}
		if res.MatchedCount == 0 {
			return nil, NewError(ErrNotFound, fmt.Sprintf("saga %s not found", state.SagaID))
		}
		if err := s.insertOutbox(sessCtx, outbound); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (s *MongoStore) UpdatePhase(ctx context.Context, sagaID string, phase int) error {
	res, err := s.states.UpdateOne(ctx, bson.M{"_id": sagaID}, bson.M{
		"$set": bson.M{"current_phase": phase, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	if res.MatchedCount == 0 {
		return NewError(ErrNotFound, fmt.Sprintf("saga %s not found", sagaID))
	}
	return nil
}

func (s *MongoStore) PendingOutbox(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.outbox.Find(ctx, bson.M{"dispatched_at": nil}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*OutboxMessage
	for cursor.Next(ctx) {
		var doc mongoOutbox
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode outbox record: %w", err)
		}
		result = append(result, &OutboxMessage{
			ID:           doc.ID,
			Subject:      doc.Subject,
			Key:          doc.Key,
			Data:         doc.Data,
			Headers:      doc.Headers,
			CreatedAt:    doc.CreatedAt,
			DispatchedAt: doc.DispatchedAt,
		})
	}
	return result, cursor.Err()
}

func (s *MongoStore) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.outbox.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "dispatched_at": nil},
		bson.M{"$set": bson.M{"dispatched_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to mark outbox dispatched: %w", err)
	}
	return nil
}

// insertOutbox вставляет записи outbox в рамках транзакции сессии
func (s *MongoStore) insertOutbox(ctx mongo.SessionContext, outbound []*OutboxMessage) error {
	if len(outbound) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(outbound))
	for _, msg := range outbound {
		docs = append(docs, mongoOutbox{
			ID:        msg.ID,
			Subject:   msg.Subject,
			Key:       msg.Key,
			Data:      msg.Data,
			Headers:   msg.Headers,
			CreatedAt: msg.CreatedAt,
		})
	}
	if _, err := s.outbox.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert outbox records: %w", err)
	}
	return nil
}

func toMongoState(state *State) mongoState {
	return mongoState{
		SagaID:        state.SagaID,
		Definition:    state.Definition,
		Status:        string(state.Status),
		CurrentPhase:  state.CurrentPhase,
		CorrelationID: state.CorrelationID,
		StartedAt:     state.StartedAt,
		UpdatedAt:     state.UpdatedAt,
		LastError:     state.LastError,
		Metadata:      state.Metadata,
		Payload:       state.Payload,
	}
}

func fromMongoState(doc *mongoState) *State {
	return &State{
		SagaID:        doc.SagaID,
		Definition:    doc.Definition,
		Status:        Status(doc.Status),
		CurrentPhase:  doc.CurrentPhase,
		CorrelationID: doc.CorrelationID,
		StartedAt:     doc.StartedAt,
		UpdatedAt:     doc.UpdatedAt,
		LastError:     doc.LastError,
		Metadata:      doc.Metadata,
		Payload:       doc.Payload,
	}
}
