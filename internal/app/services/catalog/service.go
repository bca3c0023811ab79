package catalog

import (
	"context"
	"errors"

	"github.com/R3E-Network/fabblink/internal/app/auth"
	"github.com/R3E-Network/fabblink/internal/app/domain/asset"
	"github.com/R3E-Network/fabblink/internal/app/domain/design"
	"github.com/R3E-Network/fabblink/internal/app/domain/participant"
	"github.com/R3E-Network/fabblink/internal/app/storage"
	svcerrors "github.com/R3E-Network/fabblink/internal/errors"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

// Service manages the design catalog.
type Service struct {
	store storage.Store
	authz auth.Authorizer
	log   *logger.Logger
}

// New constructs a catalog service.
func New(store storage.Store, authz auth.Authorizer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("catalog")
	}
	if authz == nil {
		authz = auth.ContextAuthorizer{}
	}
	return &Service{store: store, authz: authz, log: log}
}

// ListDesign creates a design or reprices one the designer already owns.
// Ownership of a fingerprint never changes.
func (s *Service) ListDesign(ctx context.Context, designer, fingerprint string, price, fee asset.Asset) (design.Design, error) {
	if err := s.authz.Require(ctx, designer); err != nil {
		return design.Design{}, err
	}
	if !price.IsAccounting() || !fee.IsAccounting() {
		return design.Design{}, svcerrors.Invariant("price and fee must be denominated in %s", asset.Accounting.Code)
	}
	if price.Amount <= 0 {
		return design.Design{}, svcerrors.Invariant("price must be positive")
	}
	if fee.Amount < 0 {
		return design.Design{}, svcerrors.Invariant("fee must not be negative")
	}
	fp, err := design.NormalizeFingerprint(fingerprint)
	if err != nil {
		return design.Design{}, svcerrors.Invariant("%v", err)
	}

	var (
		result  design.Design
		created bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		if _, err := tables.GetParticipant(ctx, participant.RoleDesigner, designer); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return svcerrors.NotFound("designer %s is not registered", designer)
			}
			return err
		}

		existing, err := tables.GetDesignByFingerprint(ctx, fp)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			result, err = tables.CreateDesign(ctx, design.Design{Fingerprint: fp, Designer: designer, Price: price, Fee: fee})
			if errors.Is(err, storage.ErrConflict) {
				return svcerrors.Duplicate("design %s already exists", fp)
			}
			created = true
			return err
		case err != nil:
			return err
		}

		if existing.Designer != designer {
			return svcerrors.Unauthorized("design %s belongs to another designer", fp)
		}
		if existing.Price == price && existing.Fee == fee {
			return svcerrors.Invariant("design %s already has this price and fee", fp)
		}
		existing.Price = price
		existing.Fee = fee
		result, err = tables.UpdateDesign(ctx, existing)
		return err
	})
	if err != nil {
		return design.Design{}, err
	}

	fields := map[string]interface{}{"designer": designer, "fingerprint": fp, "price": price.String(), "fee": fee.String()}
	if created {
		s.log.With(fields).Info("design listed")
	} else {
		s.log.With(fields).Info("design repriced")
	}
	return result, nil
}

// UnlistDesign removes a design. Orders already placed keep the amounts
// captured when they were created.
func (s *Service) UnlistDesign(ctx context.Context, designer, fingerprint string) error {
	if err := s.authz.Require(ctx, designer); err != nil {
		return err
	}
	fp, err := design.NormalizeFingerprint(fingerprint)
	if err != nil {
		return svcerrors.NotFound("design %s not found", fingerprint)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tables storage.Tables) error {
		existing, err := tables.GetDesignByFingerprint(ctx, fp)
		if errors.Is(err, storage.ErrNotFound) {
			return svcerrors.NotFound("design %s not found", fp)
		}
		if err != nil {
			return err
		}
		if existing.Designer != designer {
			return svcerrors.Unauthorized("design %s belongs to another designer", fp)
		}
		return tables.DeleteDesign(ctx, fp)
	})
	if err != nil {
		return err
	}
	s.log.With(map[string]interface{}{"designer": designer, "fingerprint": fp}).Info("design unlisted")
	return nil
}

// Get returns the design with the given fingerprint.
func (s *Service) Get(ctx context.Context, fingerprint string) (design.Design, error) {
	fp, err := design.NormalizeFingerprint(fingerprint)
	if err != nil {
		return design.Design{}, svcerrors.NotFound("design %s not found", fingerprint)
	}
	d, err := s.store.GetDesignByFingerprint(ctx, fp)
	if errors.Is(err, storage.ErrNotFound) {
		return design.Design{}, svcerrors.NotFound("design %s not found", fp)
	}
	return d, err
}

// List returns the designs owned by designer.
func (s *Service) List(ctx context.Context, designer string) ([]design.Design, error) {
	return s.store.ListDesigns(ctx, designer)
}
