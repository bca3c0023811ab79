package registry

import (
	"context"
	"errors"

	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Service maintains the designer and vendor registries. Removing a
// participant does not touch their designs or orders.
type Service struct {
	store storage.Store
	authz auth.Authorizer
	log   *logger.Logger
}

// New constructs a registry service.
func New(store storage.Store, authz auth.Authorizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	if authz == nil {
		authz = auth.ContextAuthorizer{}
	}
	return &Service{store: store, authz: authz, log: log}
}

func (s *Service) RegisterDesigner(ctx context.Context, id string) (participant.Participant, error) {
	return s.register(ctx, participant.RoleDesigner, id)
}

func (s *Service) UnregisterDesigner(ctx context.Context, id string) error {
	return s.unregister(ctx, participant.RoleDesigner, id)
}

func (s *Service) RegisterVendor(ctx context.Context, id string) (participant.Participant, error) {
	return s.register(ctx, participant.RoleVendor, id)
}

func (s *Service) UnregisterVendor(ctx context.Context, id string) error {
	return s.unregister(ctx, participant.RoleVendor, id)
}

// Get returns a registered participant.
func (s *Service) Get(ctx context.Context, role participant.Role, id string) (participant.Participant, error) {
	p, err := s.store.GetParticipant(ctx, role, id)
	if errors.Is(err, storage.ErrNotFound) {
		return participant.Participant{}, svcerrors.NotFound("%s %s is not registered", role, id)
	}
	return p, err
}

func (s *Service) register(ctx context.Context, role participant.Role, id string) (participant.Participant, error) {
	if id == "" {
		return participant.Participant{}, svcerrors.Invariant("%s id is required", role)
	}
	if err := s.authz.Require(ctx, id); err != nil {
		return participant.Participant{}, err
	}

	var created participant.Participant
	err := s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		_, err := tables.GetParticipant(ctx, role, id)
		switch {
		case err == nil:
			return svcerrors.Duplicate("%s %s is already registered", role, id)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		created, err = tables.CreateParticipant(ctx, participant.Participant{ID: id, Role: role})
		if errors.Is(err, storage.ErrConflict) {
			return svcerrors.Duplicate("%s %s is already registered", role, id)
		}
		return err
	})
	if err != nil {
		return participant.Participant{}, err
	}
	s.log.WithField("role", role).Infof("%s registered", id)
	return created, nil
}

func (s *Service) unregister(ctx context.Context, role participant.Role, id string) error {
	if err := s.authz.Require(ctx, id); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		err := tables.DeleteParticipant(ctx, role, id)
		if errors.Is(err, storage.ErrNotFound) {
			return svcerrors.NotFound("%s %s is not registered", role, id)
		}
		return err
	})
	if err != nil {
		return err
	}
	s.log.WithField("role", role).Infof("%s unregistered", id)
	return nil
}
