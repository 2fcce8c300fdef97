package auth

import (
	"context"
	"errors"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lyceum.org/internal/obs"
)

const tracerName = "lyceum.org/internal/auth"

// Authorizer is the single entry point handlers use for access decisions. Decisions
// are never cached beyond the request context.
type Authorizer struct {
	users  UserStore
	roles  *RoleManager
	perms  *PermissionManager
	tracer trace.Tracer
}

func NewAuthorizer(users UserStore, roles *RoleManager, perms *PermissionManager) (*Authorizer, error) {
	if users == nil || roles == nil || perms == nil {
		return nil, errors.New("authorizer requires users, roles and permissions")
	}
	return &Authorizer{users: users, roles: roles, perms: perms, tracer: otel.Tracer(tracerName)}, nil
}

// Roles exposes the role manager for administrative operations.
func (a *Authorizer) Roles() *RoleManager { return a.roles }

// Permissions exposes the permission manager for administrative operations.
func (a *Authorizer) Permissions() *PermissionManager { return a.perms }

// activeUser reports whether the user exists and is active.
func (a *Authorizer) activeUser(ctx context.Context, userID int64) (bool, error) {
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return user.Active, nil
}

// CheckRole reports whether the user holds or outranks requiredRole.
func (a *Authorizer) CheckRole(ctx context.Context, userID int64, requiredRole string) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "auth.CheckRole", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("auth.role", requiredRole),
	))
	defer span.End()

	ok, err := a.activeUser(ctx, userID)
	if err == nil && ok {
		ok, err = a.roles.CheckRole(ctx, userID, requiredRole)
	}
	return a.decide(span, "role", ok, err)
}

// CheckResourcePermission reports whether the user may perform action on rt.
func (a *Authorizer) CheckResourcePermission(ctx context.Context, userID int64, rt ResourceType, action Action) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "auth.CheckResourcePermission", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("auth.permission", PermissionName(rt, action)),
	))
	defer span.End()

	ok, err := a.activeUser(ctx, userID)
	if err == nil && ok {
		ok, err = a.perms.CheckResourcePermission(ctx, userID, rt, action)
	}
	return a.decide(span, "permission", ok, err)
}

// CheckAPIKeyPermission requires both the key scope and its owner's effective
// permissions to allow the action. An empty scope allows nothing.
func (a *Authorizer) CheckAPIKeyPermission(ctx context.Context, key APIKey, rt ResourceType, action Action) (bool, error) {
	ctx, span := a.tracer.Start(ctx, "auth.CheckAPIKeyPermission", trace.WithAttributes(
		attribute.String("api_key.id", key.ID),
		attribute.String("auth.permission", PermissionName(rt, action)),
	))
	defer span.End()

	if !key.Active || !key.Allows(rt, action) {
		return a.decide(span, "api_key", false, nil)
	}
	ok, err := a.activeUser(ctx, key.UserID)
	if err == nil && ok {
		ok, err = a.perms.CheckResourcePermission(ctx, key.UserID, rt, action)
	}
	return a.decide(span, "api_key", ok, err)
}

// RequireRole returns ErrUnauthenticated without a principal and ErrForbidden on deny.
func (a *Authorizer) RequireRole(ctx context.Context, requiredRole string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if p.APIKey != nil {
		return ErrForbidden
	}
	allowed, err := a.CheckRole(ctx, p.User.ID, requiredRole)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// RequirePermission authorizes the request principal for (rt, action).
func (a *Authorizer) RequirePermission(ctx context.Context, rt ResourceType, action Action) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	var (
		allowed bool
		err     error
	)
	if p.APIKey != nil {
		allowed, err = a.CheckAPIKeyPermission(ctx, *p.APIKey, rt, action)
	} else {
		allowed, err = a.CheckResourcePermission(ctx, p.User.ID, rt, action)
	}
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func (a *Authorizer) decide(span trace.Span, check string, allowed bool, err error) (bool, error) {
	outcome := "deny"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		allowed = false
	case allowed:
		outcome = "allow"
	}
	span.SetAttributes(attribute.String("auth.outcome", outcome))
	obs.RecordDecision(check, outcome)
	return allowed, err
}

// subjectOf formats a user id as a token subject.
func subjectOf(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
