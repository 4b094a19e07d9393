package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/internal/ratelimit"
	"github.com/pitabwire/xrpc/internal/stream"
	"github.com/pitabwire/xrpc/internal/transport"
	"github.com/pitabwire/xrpc/model"
)

// Method identifiers served by this package.
const (
	CreateIdentityProvider     = "com.atproto.admin.createIdentityProvider"
	ListIdentityProviders      = "com.atproto.sso.listIdentityProviders"
	SubscribeIdentityProviders = "com.atproto.sso.subscribeIdentityProviders"
)

// Error kinds declared by these methods.
const (
	KindIdentityProviderExists = "IdentityProviderExists"
	KindConsumerTooSlow        = "ConsumerTooSlow"
)

// DefaultCreateRateLimit bounds provider registrations per admin.
var DefaultCreateRateLimit = model.RateLimitSpec{Duration: time.Hour, Points: 100}

// Registrar is the part of the server the methods are registered on.
type Registrar interface {
	Method(id string, cfg model.HandlerConfig) error
	StreamMethod(id string, cfg model.StreamHandlerConfig) error
}

// Options configure the methods.
type Options struct {
	// AdminAuth guards createIdentityProvider. Nil leaves it open.
	AdminAuth model.AuthVerifier
	// CreateRateLimit overrides DefaultCreateRateLimit.
	CreateRateLimit []model.RateLimitSpec
	Logger          *zap.Logger
}

// Service implements the identity-provider methods over a Store.
type Service struct {
	store  *Store
	opts   Options
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(store *Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CreateRateLimit == nil {
		limit := DefaultCreateRateLimit
		limit.CalcKey = principalKey
		opts.CreateRateLimit = []model.RateLimitSpec{limit}
	}
	return &Service{store: store, opts: opts, logger: logger}
}

// Register installs the methods on r.
func (s *Service) Register(r Registrar) error {
	if err := r.Method(CreateIdentityProvider, model.HandlerConfig{
		Handler:   s.Create,
		Auth:      s.opts.AdminAuth,
		RateLimit: s.opts.CreateRateLimit,
	}); err != nil {
		return err
	}
	if err := r.Method(ListIdentityProviders, model.HandlerConfig{Handler: s.List}); err != nil {
		return err
	}
	return r.StreamMethod(SubscribeIdentityProviders, model.StreamHandlerConfig{Handler: s.Subscribe})
}

// principalKey keys a request by the authenticated subject, falling back to
// the client address.
func principalKey(rc *model.RequestContext) string {
	if creds, ok := transport.CredentialsFrom(rc.Auth); ok && creds.Subject != "" {
		return "sub:" + creds.Subject
	}
	return ratelimit.ClientIP(rc)
}

type createInput struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Icon         string    `json:"icon"`
	Issuer       string    `json:"issuer"`
	ClientID     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
	Scopes       []string  `json:"scopes"`
	UsePKCE      bool      `json:"usePkce"`
	Discoverable bool      `json:"discoverable"`
	Metadata     *Metadata `json:"metadata"`
}

// Create handles com.atproto.admin.createIdentityProvider.
func (s *Service) Create(ctx context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
	if rc.Input == nil {
		return nil, model.NewInvalidRequestError("A request body is expected but none was provided")
	}
	var in createInput
	if err := convert(rc.Input.Body, &in); err != nil {
		return nil, model.NewInvalidRequestError(err.Error())
	}
	if !in.Discoverable && in.Metadata == nil {
		return nil, model.NewInvalidRequestError("metadata is required for providers without discovery")
	}
	if in.Discoverable {
		in.Metadata = nil
	}

	log := observability.RequestLogger(ctx, s.logger)
	if body, ok := rc.Input.Body.(map[string]any); ok {
		log.Debug("create identity provider", zap.Any("input", observability.RedactBody(body, []string{"clientSecret"})))
	}

	p, err := s.store.Create(IdentityProvider{
		ID:           in.ID,
		Name:         in.Name,
		Icon:         in.Icon,
		Issuer:       in.Issuer,
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		Scopes:       in.Scopes,
		UsePKCE:      in.UsePKCE,
		Discoverable: in.Discoverable,
		Metadata:     in.Metadata,
	})
	if errors.Is(err, ErrExists) {
		return &model.HandlerError{
			Status:  http.StatusConflict,
			Kind:    KindIdentityProviderExists,
			Message: "Identity provider already exists",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Info("identity provider registered", zap.String("idp_id", p.ID), zap.String("issuer", p.Issuer))
	return model.JSON(map[string]any{"idpId": p.ID}), nil
}

// List handles com.atproto.sso.listIdentityProviders.
func (s *Service) List(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
	limit := 50
	if v, ok := rc.Params["limit"].(int64); ok {
		limit = int(v)
	}
	cursor, _ := rc.Params["cursor"].(string)

	providers, next := s.store.List(cursor, limit)
	summaries := make([]Summary, len(providers))
	for i, p := range providers {
		summaries[i] = p.Summary()
	}

	body := map[string]any{"identityProviders": summaries}
	if next != "" {
		body["cursor"] = next
	}
	return model.JSON(body), nil
}

// Subscribe handles com.atproto.sso.subscribeIdentityProviders. Each
// registration is sent as a #created message; with includeExisting the
// providers registered so far are sent first.
func (s *Service) Subscribe(_ context.Context, sc *model.StreamContext) (model.Producer, error) {
	includeExisting, _ := sc.Params["includeExisting"].(bool)

	return stream.Generate(func(ctx context.Context, emit stream.Emit) error {
		existing, watch := s.store.Watch()
		defer watch.Cancel()

		if includeExisting {
			for _, p := range existing {
				if err := emit(ctx, created(p)); err != nil {
					return err
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p, ok := <-watch.C():
				if !ok {
					if err := watch.Err(); err != nil {
						return &model.HandlerError{
							Status:  http.StatusServiceUnavailable,
							Kind:    KindConsumerTooSlow,
							Message: err.Error(),
						}
					}
					return nil
				}
				if err := emit(ctx, created(p)); err != nil {
					return err
				}
			}
		}
	}), nil
}

func created(p IdentityProvider) map[string]any {
	return map[string]any{
		"$type": "#created",
		"idp":   p.Summary(),
	}
}

// convert decodes a validated JSON value into a typed struct.
func convert(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}
	return nil
}
