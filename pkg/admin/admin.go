package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/engine"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

var (
	// ErrQueueExists is returned when creating a queue whose name is taken
	ErrQueueExists = errors.New("queue already exists")

	// ErrQueueNotEmpty is returned when deleting a queue that still holds
	// messages without force.
	ErrQueueNotEmpty = errors.New("queue not empty")
)

// Queue defaults applied when a create request leaves them zero
const (
	defaultAckTimeoutSeconds = 30
	defaultMaxAttempts       = 3
)

// Service is the administration surface: queue definition CRUD, purge, and
// aggregate metrics. Message-level operations stay on the engine.
type Service struct {
	store    storage.Store
	engine   *engine.Engine
	cfg      *config.Config
	validate *validator.Validate
}

func New(store storage.Store, eng *engine.Engine, cfg *config.Config) *Service {
	return &Service{
		store:    store,
		engine:   eng,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// CreateQueueRequest carries a new queue definition. Zero timeout and
// attempt values take the documented defaults.
type CreateQueueRequest struct {
	Name              string                  `validate:"required"`
	Type              types.QueueType         `validate:"omitempty,oneof=standard unlogged partitioned"`
	AckTimeoutSeconds int                     `validate:"gte=0"`
	MaxAttempts       int                     `validate:"gte=0"`
	PartitionInterval types.PartitionInterval `validate:"omitempty,oneof=hourly daily weekly"`
	RetentionSeconds  int64                   `validate:"gte=0"`
	Description       string
}

// UpdateQueueRequest updates the mutable queue fields. Nil means "leave
// unchanged"; name, type, and partition layout are immutable.
type UpdateQueueRequest struct {
	AckTimeoutSeconds *int   `validate:"omitempty,gte=1"`
	MaxAttempts       *int   `validate:"omitempty,gte=1"`
	RetentionSeconds  *int64 `validate:"omitempty,gte=0"`
	Description       *string
}

// QueueInfo is a queue definition together with its per-status depths
type QueueInfo struct {
	*types.Queue
	Counts *types.QueueCounts `json:"counts"`
}

// Metrics is the aggregate snapshot served by the admin surface
type Metrics struct {
	Queues       int                   `json:"queues"`
	Queued       int                   `json:"message_count"`
	Processing   int                   `json:"processing_count"`
	Dead         int                   `json:"dead_count"`
	Acknowledged int                   `json:"acknowledged_count"`
	Archived     int                   `json:"archived_count"`
	Consumers    []types.ConsumerStats `json:"consumers"`
}

// Engine exposes the underlying engine for message-level operations
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// CreateQueue validates and persists a new queue definition
func (s *Service) CreateQueue(ctx context.Context, req CreateQueueRequest) (*types.Queue, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
	}
	if !types.ValidQueueName(req.Name) {
		return nil, fmt.Errorf("%w: invalid queue name %q", engine.ErrInvalidArgument, req.Name)
	}

	q := &types.Queue{
		Name:              req.Name,
		Type:              req.Type,
		AckTimeoutSeconds: req.AckTimeoutSeconds,
		MaxAttempts:       req.MaxAttempts,
		PartitionInterval: req.PartitionInterval,
		RetentionSeconds:  req.RetentionSeconds,
		Description:       req.Description,
	}
	if q.Type == "" {
		q.Type = types.QueueTypeStandard
	}
	if q.AckTimeoutSeconds == 0 {
		q.AckTimeoutSeconds = defaultAckTimeoutSeconds
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = defaultMaxAttempts
	}
	if q.Type == types.QueueTypePartitioned && q.PartitionInterval == "" {
		q.PartitionInterval = types.PartitionDaily
	}

	if err := s.store.CreateQueue(ctx, q); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrQueueExists, req.Name)
		}
		return nil, err
	}

	logger := log.WithQueue(q.Name)
	logger.Info().
		Str("type", string(q.Type)).
		Int("ack_timeout_seconds", q.AckTimeoutSeconds).
		Int("max_attempts", q.MaxAttempts).
		Msg("queue created")
	return q, nil
}

// GetQueue returns one queue with its current depths
func (s *Service) GetQueue(ctx context.Context, name string) (*QueueInfo, error) {
	q, err := s.store.GetQueue(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownQueue, name)
		}
		return nil, err
	}
	counts, err := s.store.CountMessages(ctx, name)
	if err != nil {
		return nil, err
	}
	return &QueueInfo{Queue: q, Counts: counts}, nil
}

// ListQueues returns every queue with its current depths, sorted by name
func (s *Service) ListQueues(ctx context.Context) ([]*QueueInfo, error) {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]*QueueInfo, 0, len(queues))
	for _, q := range queues {
		counts, err := s.store.CountMessages(ctx, q.Name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, &QueueInfo{Queue: q, Counts: counts})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// UpdateQueue applies the mutable fields and returns the updated definition
func (s *Service) UpdateQueue(ctx context.Context, name string, req UpdateQueueRequest) (*types.Queue, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrInvalidArgument, err)
	}

	q, err := s.store.GetQueue(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownQueue, name)
		}
		return nil, err
	}

	if req.AckTimeoutSeconds != nil {
		q.AckTimeoutSeconds = *req.AckTimeoutSeconds
	}
	if req.MaxAttempts != nil {
		q.MaxAttempts = *req.MaxAttempts
	}
	if req.RetentionSeconds != nil {
		q.RetentionSeconds = *req.RetentionSeconds
	}
	if req.Description != nil {
		q.Description = *req.Description
	}

	if err := s.store.UpdateQueue(ctx, q); err != nil {
		return nil, err
	}
	logger := log.WithQueue(name)
	logger.Info().Msg("queue updated")
	return q, nil
}

// RenameQueue renames a queue and every reference to it in one transaction.
// On failure the old name remains intact.
func (s *Service) RenameQueue(ctx context.Context, oldName, newName string) error {
	if !types.ValidQueueName(newName) {
		return fmt.Errorf("%w: invalid queue name %q", engine.ErrInvalidArgument, newName)
	}
	if err := s.store.RenameQueue(ctx, oldName, newName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", engine.ErrUnknownQueue, oldName)
		}
		if errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("%w: %s", ErrQueueExists, newName)
		}
		return err
	}
	logger := log.WithQueue(newName)
	logger.Info().Str("previous_name", oldName).Msg("queue renamed")
	return nil
}

// DeleteQueue removes a queue definition. A queue still holding messages is
// refused unless force is set, in which case it is cleared first.
func (s *Service) DeleteQueue(ctx context.Context, name string, force bool, userID string) error {
	if _, err := s.store.GetQueue(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", engine.ErrUnknownQueue, name)
		}
		return err
	}
	counts, err := s.store.CountMessages(ctx, name)
	if err != nil {
		return err
	}

	total := counts.Queued + counts.Processing + counts.Dead + counts.Acknowledged + counts.Archived
	if total > 0 {
		if !force {
			return fmt.Errorf("%w: %s holds %d messages", ErrQueueNotEmpty, name, total)
		}
		if _, err := s.engine.Clear(ctx, name, "", "", userID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteQueue(ctx, name); err != nil {
		return err
	}
	logger := log.WithQueue(name)
	logger.Info().Bool("forced", force).Msg("queue deleted")
	return nil
}

// PurgeQueue removes every message in every status but keeps the definition
func (s *Service) PurgeQueue(ctx context.Context, name, userID string) (int, error) {
	return s.engine.Clear(ctx, name, "", "", userID)
}

// GetMetrics aggregates depths across all queues plus per-consumer stats
func (s *Service) GetMetrics(ctx context.Context) (*Metrics, error) {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	m := &Metrics{Queues: len(queues), Consumers: s.engine.ConsumerStats()}
	for _, q := range queues {
		counts, err := s.store.CountMessages(ctx, q.Name)
		if err != nil {
			return nil, err
		}
		m.Queued += counts.Queued
		m.Processing += counts.Processing
		m.Dead += counts.Dead
		m.Acknowledged += counts.Acknowledged
		m.Archived += counts.Archived
	}
	return m, nil
}

// GetConfig echoes the effective configuration with storage credentials
// blanked.
func (s *Service) GetConfig() config.Config {
	cfg := *s.cfg
	cfg.Storage.DSN = ""
	return cfg
}
