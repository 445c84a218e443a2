package broker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ChuLiYu/umbra-broker/internal/reportstore"
	"github.com/ChuLiYu/umbra-broker/internal/transport"
)

// Service implements the Broker gRPC service on top of a Coordinator.
type Service struct {
	coord  *Coordinator
	store  *reportstore.Store
	logger *slog.Logger
}

// NewService creates a Service. A nil store disables report persistence.
func NewService(coord *Coordinator, store *reportstore.Store, logger *slog.Logger) *Service {
	return &Service{
		coord:  coord,
		store:  store,
		logger: logger.With("component", "broker-service"),
	}
}

// Execute handles one execution request. Requests without an id get a fresh one.
func (s *Service) Execute(ctx context.Context, req *transport.Config) (*transport.Report, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	report := s.coord.Execute(ctx, Request{
		ID:       id,
		Action:   req.Action,
		Scenario: req.Scenario,
	})

	if s.store != nil {
		if err := s.store.Save(report); err != nil {
			s.logger.Error("Failed to persist report", "id", id, "error", err)
		}
	}

	return transport.ToReport(report), nil
}
