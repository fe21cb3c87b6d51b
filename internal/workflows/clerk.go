package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

// Clerk webhook topics. The receiver publishes each delivery as clerk/<type>.
const (
	TopicUserCreated        = "clerk/user.created"
	TopicUserUpdated        = "clerk/user.updated"
	TopicUserDeleted        = "clerk/user.deleted"
	TopicOrgCreated         = "clerk/organization.created"
	TopicOrgUpdated         = "clerk/organization.updated"
	TopicOrgDeleted         = "clerk/organization.deleted"
	TopicInvitationAccepted = "clerk/organizationInvitation.accepted"
)

type IdentityStore interface {
	CreateUser(ctx context.Context, u domain.User) error
	UpdateUser(ctx context.Context, u domain.User) error
	DeleteUser(ctx context.Context, id string) error
	CreateWorkspace(ctx context.Context, w domain.Workspace, owner domain.WorkspaceMember) error
	UpdateWorkspace(ctx context.Context, w domain.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	AddMember(ctx context.Context, m domain.WorkspaceMember) error
}

type clerkEmail struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type clerkUser struct {
	ID                    string       `json:"id"`
	EmailAddresses        []clerkEmail `json:"email_addresses"`
	PrimaryEmailAddressID string       `json:"primary_email_address_id"`
	FirstName             string       `json:"first_name"`
	LastName              string       `json:"last_name"`
	ImageURL              string       `json:"image_url"`
}

func (u clerkUser) email() string {
	for _, e := range u.EmailAddresses {
		if u.PrimaryEmailAddressID != "" && e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

func (u clerkUser) user() domain.User {
	return domain.User{
		ID:    u.ID,
		Email: u.email(),
		Name:  strings.TrimSpace(u.FirstName + " " + u.LastName),
		Image: u.ImageURL,
	}
}

type clerkOrganization struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Slug      string `json:"slug"`
	CreatedBy string `json:"created_by"`
	ImageURL  string `json:"image_url"`
}

func (o clerkOrganization) workspace() domain.Workspace {
	return domain.Workspace{
		ID:       o.ID,
		Name:     o.Name,
		Slug:     o.Slug,
		OwnerID:  o.CreatedBy,
		ImageURL: o.ImageURL,
	}
}

type clerkDeleted struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type clerkInvitation struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	RoleName       string `json:"role_name"`
	Role           string `json:"role"`
}

// Sync mirrors Clerk identity changes into the datastore. Each handler applies
// a single mutation inside one named step.
type Sync struct {
	Store IdentityStore
}

func decodeWithID[T any](evt domain.Event, id func(T) string) (T, error) {
	var v T
	if err := events.Decode(evt, &v); err != nil {
		return v, engine.NonRetriable(err)
	}
	if id(v) == "" {
		return v, engine.NonRetriable(fmt.Errorf("%s payload missing id", evt.Name))
	}
	return v, nil
}

// mutate runs fn as the single step of a sync function.
func mutate(ctx context.Context, step engine.Step, name string, fn func(ctx context.Context) error) error {
	_, err := step.Run(ctx, name, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func (s Sync) UserCreated(ctx context.Context, evt domain.Event, step engine.Step) error {
	u, err := decodeWithID(evt, func(u clerkUser) string { return u.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "create-user", func(ctx context.Context) error {
		return s.Store.CreateUser(ctx, u.user())
	})
}

func (s Sync) UserUpdated(ctx context.Context, evt domain.Event, step engine.Step) error {
	u, err := decodeWithID(evt, func(u clerkUser) string { return u.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "update-user", func(ctx context.Context) error {
		return notFoundIsFatal(s.Store.UpdateUser(ctx, u.user()), "user "+u.ID)
	})
}

func (s Sync) UserDeleted(ctx context.Context, evt domain.Event, step engine.Step) error {
	d, err := decodeWithID(evt, func(d clerkDeleted) string { return d.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "delete-user", func(ctx context.Context) error {
		return notFoundIsDone(ctx, s.Store.DeleteUser(ctx, d.ID), "user "+d.ID)
	})
}

func (s Sync) OrganizationCreated(ctx context.Context, evt domain.Event, step engine.Step) error {
	o, err := decodeWithID(evt, func(o clerkOrganization) string { return o.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "create-workspace", func(ctx context.Context) error {
		owner := domain.WorkspaceMember{UserID: o.CreatedBy, WorkspaceID: o.ID, Role: domain.RoleAdmin}
		return s.Store.CreateWorkspace(ctx, o.workspace(), owner)
	})
}

func (s Sync) OrganizationUpdated(ctx context.Context, evt domain.Event, step engine.Step) error {
	o, err := decodeWithID(evt, func(o clerkOrganization) string { return o.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "update-workspace", func(ctx context.Context) error {
		return notFoundIsFatal(s.Store.UpdateWorkspace(ctx, o.workspace()), "workspace "+o.ID)
	})
}

func (s Sync) OrganizationDeleted(ctx context.Context, evt domain.Event, step engine.Step) error {
	d, err := decodeWithID(evt, func(d clerkDeleted) string { return d.ID })
	if err != nil {
		return err
	}
	return mutate(ctx, step, "delete-workspace", func(ctx context.Context) error {
		return notFoundIsDone(ctx, s.Store.DeleteWorkspace(ctx, d.ID), "workspace "+d.ID)
	})
}

func (s Sync) InvitationAccepted(ctx context.Context, evt domain.Event, step engine.Step) error {
	inv, err := decodeWithID(evt, func(i clerkInvitation) string {
		if i.UserID == "" {
			return ""
		}
		return i.OrganizationID
	})
	if err != nil {
		return err
	}
	role := inv.RoleName
	if role == "" {
		role = strings.TrimPrefix(inv.Role, "org:")
	}
	return mutate(ctx, step, "add-workspace-member", func(ctx context.Context) error {
		return s.Store.AddMember(ctx, domain.WorkspaceMember{
			UserID:      inv.UserID,
			WorkspaceID: inv.OrganizationID,
			Role:        strings.ToUpper(role),
		})
	})
}

func notFoundIsFatal(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return engine.NonRetriable(fmt.Errorf("%s: %w", what, err))
	}
	return err
}

// notFoundIsDone treats deleting an absent row as already applied.
func notFoundIsDone(ctx context.Context, err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		zerolog.Ctx(ctx).Info().Str("target", what).Msg("already deleted")
		return nil
	}
	return err
}
