package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/AxonStream/axonpuls/internal/models"
	"github.com/AxonStream/axonpuls/internal/store"
	"github.com/AxonStream/axonpuls/pkg/auth"
	"github.com/AxonStream/axonpuls/pkg/cache"
	"github.com/AxonStream/axonpuls/pkg/logging"
)

// MaxClockDrift is how far in the future a token's issued-at may sit before
// the session is treated as compromised.
const MaxClockDrift = 3 * time.Second

// Config tunes the resolver.
type Config struct {
	JWTSecret []byte
	// APIKeys maps static keys to the identity they authenticate as.
	APIKeys map[string]auth.APIKeyIdentity
	// AllowDemo admits explicit {organizationId} credentials. Off unless the
	// deployment opts in.
	AllowDemo bool
	// CacheTTL bounds how long org and membership lookups are reused.
	CacheTTL time.Duration
}

// Resolver turns extracted credentials into validated tenant contexts.
// Organization and membership lookups are cached with singleflight so a
// reconnect storm does not translate into a query storm.
type Resolver struct {
	store   *store.Store
	logger  logging.Logger
	cfg     Config
	lookups *cache.Cache
	now     func() time.Time
}

func NewResolver(st *store.Store, logger logging.Logger, cfg Config) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Resolver{
		store:  st,
		logger: logger,
		cfg:    cfg,
		lookups: cache.New(cache.Options{
			TTL:                  cfg.CacheTTL,
			StaleWhileRevalidate: cfg.CacheTTL / 2,
			NegativeTTL:          10 * time.Second,
			MaxEntries:           10000,
		}),
		now: time.Now,
	}
}

// Resolve verifies a credential and builds the immutable tenant context.
// All failures wrap the auth sentinel so callers map them to AUTH_FAILED.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (models.TenantContext, error) {
	switch {
	case cred.Token != "":
		return r.resolveToken(cred)
	case cred.APIKey != "":
		return r.resolveAPIKey(cred)
	case cred.Source == SourceDemo && cred.OrganizationID != "":
		return r.resolveDemo(cred)
	}
	return models.TenantContext{}, fmt.Errorf("%w: no credential presented", models.ErrAuth)
}

func (r *Resolver) resolveToken(cred Credential) (models.TenantContext, error) {
	claims, err := auth.ValidateJWT(cred.Token, r.cfg.JWTSecret)
	if err != nil {
		return models.TenantContext{}, fmt.Errorf("%w: %v", models.ErrAuth, err)
	}
	if claims.UserID == "" {
		return models.TenantContext{}, fmt.Errorf("%w: token missing subject", models.ErrAuth)
	}

	// A token issued ahead of server time means the client clock (or the
	// token) cannot be trusted. Tolerated only when the SDK has a refresh
	// in flight.
	if claims.IssuedAt != nil && !cred.RefreshScheduled {
		if drift := claims.IssuedAt.Time.Sub(r.now()); drift > MaxClockDrift {
			return models.TenantContext{}, fmt.Errorf("%w: token clock drift %s exceeds %s", models.ErrAuth, drift.Round(time.Millisecond), MaxClockDrift)
		}
	}

	clientType := claims.ClientType
	if clientType == "" {
		clientType = "web"
	}
	return models.TenantContext{
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		UserRole:       claims.Role,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
		Features:       claims.Features,
		ClientType:     clientType,
		AuthMethod:     string(cred.Source),
	}, nil
}

func (r *Resolver) resolveAPIKey(cred Credential) (models.TenantContext, error) {
	identity, ok := r.cfg.APIKeys[cred.APIKey]
	if !ok {
		return models.TenantContext{}, fmt.Errorf("%w: unknown API key", models.ErrAuth)
	}
	if cred.OrganizationID != "" && cred.OrganizationID != identity.OrganizationID {
		return models.TenantContext{}, fmt.Errorf("%w: organization header does not match API key", models.ErrAuth)
	}
	return models.TenantContext{
		OrganizationID: identity.OrganizationID,
		UserID:         identity.UserID,
		UserRole:       identity.Role,
		ClientType:     "service",
		AuthMethod:     string(SourceAPIKey),
	}, nil
}

func (r *Resolver) resolveDemo(cred Credential) (models.TenantContext, error) {
	if !r.cfg.AllowDemo {
		return models.TenantContext{}, fmt.Errorf("%w: demo credentials are disabled", models.ErrAuth)
	}
	return models.TenantContext{
		OrganizationID: cred.OrganizationID,
		UserID:         cred.UserID,
		UserRole:       "demo",
		Features:       []string{"demo"},
		ClientType:     "demo",
		AuthMethod:     string(SourceDemo),
	}, nil
}

// ValidateTenantContext is the single admission check: the organization must
// exist and be active, and the user (when present) must belong to it. Demo
// identities are synthetic and skip the membership check.
func (r *Resolver) ValidateTenantContext(ctx context.Context, tc models.TenantContext) error {
	org, err := r.organization(ctx, tc.OrganizationID)
	if err != nil {
		if models.IsNotFound(err) {
			return fmt.Errorf("%w: unknown organization %s", models.ErrAuth, tc.OrganizationID)
		}
		return err
	}
	if !org.IsActive {
		return fmt.Errorf("%w: organization %s is not active", models.ErrAuth, tc.OrganizationID)
	}

	if tc.UserID == "" || tc.AuthMethod == string(SourceDemo) {
		return nil
	}
	belongs, err := r.membership(ctx, tc.OrganizationID, tc.UserID)
	if err != nil {
		return err
	}
	if !belongs {
		return fmt.Errorf("%w: user %s does not belong to organization %s", models.ErrAuth, tc.UserID, tc.OrganizationID)
	}
	return nil
}

// CheckConnectionLimit enforces the per-organization connection ceiling from
// the org's limits document. A zero limit means unlimited.
func (r *Resolver) CheckConnectionLimit(ctx context.Context, tc models.TenantContext) error {
	org, err := r.organization(ctx, tc.OrganizationID)
	if err != nil {
		return err
	}
	limit := org.ConnectionLimit()
	if limit <= 0 {
		return nil
	}
	active, err := r.store.CountActiveConnections(ctx, tc.OrganizationID)
	if err != nil {
		return err
	}
	if active >= limit {
		return fmt.Errorf("%w: organization %s reached its connection limit of %d", models.ErrRateLimited, tc.OrganizationID, limit)
	}
	return nil
}

// InvalidateOrganization drops cached lookups after an org changes (admin
// suspends it, limits updated).
func (r *Resolver) InvalidateOrganization(orgID string) {
	r.lookups.Delete("org:" + orgID)
}

func (r *Resolver) organization(ctx context.Context, orgID string) (*models.Organization, error) {
	val, ok, err := r.lookups.Get(ctx, "org:"+orgID, func(ctx context.Context, _ string) (interface{}, bool, error) {
		org, err := r.store.GetOrganization(ctx, orgID)
		if err != nil {
			if models.IsNotFound(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		return org, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", models.ErrNotFound, orgID)
	}
	org, _ := val.(*models.Organization)
	if org == nil {
		return nil, fmt.Errorf("%w: organization %s", models.ErrNotFound, orgID)
	}
	return org, nil
}

func (r *Resolver) membership(ctx context.Context, orgID, userID string) (bool, error) {
	key := "member:" + orgID + ":" + userID
	val, ok, err := r.lookups.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		belongs, err := r.store.UserBelongsToOrganization(ctx, orgID, userID)
		if err != nil {
			return nil, false, err
		}
		return belongs, true, nil
	})
	if err != nil || !ok {
		return false, err
	}
	belongs, _ := val.(bool)
	return belongs, nil
}
