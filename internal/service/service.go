package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tokostok/backend/internal/cache"
	"tokostok/backend/internal/domain"
	"tokostok/backend/internal/lock"
	"tokostok/backend/internal/observability"
	"tokostok/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Logger             logrus.FieldLogger
	Locker             lock.Locker
	Cache              cache.ProductCache
	Metrics            *observability.Metrics
	OpeningCashBalance decimal.Decimal
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// Service owns every write to the ledger. Each write takes the per-product
// locks first and then runs as one store unit of work.
type Service struct {
	repo        store.Repository
	locker      lock.Locker
	cache       cache.ProductCache
	metrics     *observability.Metrics
	logger      logrus.FieldLogger
	validate    *validator.Validate
	openingCash decimal.Decimal
	now         func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex(5 * time.Second)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopProductCache{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:        repo,
		locker:      opts.Locker,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		logger:      opts.Logger.WithField("module", "service"),
		validate:    newValidator(),
		openingCash: opts.OpeningCashBalance,
		now:         opts.Clock,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Decimal amounts are compared as floats; tags only check sign and bounds.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return store.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", path, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", path, fe.Tag()))
		}
	}
	return store.Validationf("%s", strings.Join(msgs, "; "))
}

// writeUnit runs fn as one unit of work while holding the locks of every
// listed product.
func (s *Service) writeUnit(ctx context.Context, op string, productIDs []string, fn func(ctx context.Context, tx store.Tx) error) error {
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, lock.ProductKey(id))
	}
	return s.lockedUnit(ctx, op, keys, fn)
}

func (s *Service) lockedUnit(ctx context.Context, op string, keys []string, fn func(ctx context.Context, tx store.Tx) error) error {
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		s.reject(ctx, op, err)
		return err
	}
	defer release()

	if err := s.repo.WithTx(ctx, fn); err != nil {
		s.reject(ctx, op, err)
		return err
	}
	return nil
}

func (s *Service) reject(ctx context.Context, op string, err error) {
	reason := rejectionReason(err)
	s.metrics.Rejected(op, reason)

	entry := s.opLogger(ctx, op).WithError(err).WithField("reason", reason)
	if reason == "store_failure" {
		entry.Error("ledger write failed")
		return
	}
	entry.Info("ledger write rejected")
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrNotObtained):
		return "lock_busy"
	default:
		return "store_failure"
	}
}

func (s *Service) opLogger(ctx context.Context, op string) logrus.FieldLogger {
	entry := s.logger.WithField("operation", op)
	if actor, ok := ActorFromContext(ctx); ok {
		entry = entry.WithField("actor", actor.Subject)
	}
	return entry
}

// invalidateProducts drops the cached product list after a committed write.
// The write already succeeded, so a cache failure is only logged.
func (s *Service) invalidateProducts(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.WithError(err).Warn("product cache invalidation failed")
	}
}

func uniqueSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	return min(limit, 500)
}

func parseExpiry(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, store.Validationf("expiry_date must be YYYY-MM-DD")
	}
	return &t, nil
}

func requireID(kind string, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", store.Validationf("%s id is required", kind)
	}
	return id, nil
}
