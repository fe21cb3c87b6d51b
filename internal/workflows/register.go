package workflows

import (
	"taskrelay/internal/engine"
)

type Registrar interface {
	Register(topic, id string, h engine.Handler) error
}

// Register binds every taskrelay function to its topic.
func Register(r Registrar, sync Sync, reminder Reminder) error {
	fns := []struct {
		topic string
		id    string
		h     engine.Handler
	}{
		{TopicUserCreated, "sync-user-from-clerk", sync.UserCreated},
		{TopicUserDeleted, "delete-user-with-clerk", sync.UserDeleted},
		{TopicUserUpdated, "update-user-from-clerk", sync.UserUpdated},
		{TopicOrgCreated, "sync-workspace-from-clerk", sync.OrganizationCreated},
		{TopicOrgUpdated, "update-workspace-from-clerk", sync.OrganizationUpdated},
		{TopicOrgDeleted, "delete-workspace-with-clerk", sync.OrganizationDeleted},
		{TopicInvitationAccepted, "sync-workspace-member-from-clerk", sync.InvitationAccepted},
		{TopicTaskAssigned, FnTaskAssignment, reminder.Handle},
	}
	for _, fn := range fns {
		if err := r.Register(fn.topic, fn.id, fn.h); err != nil {
			return err
		}
	}
	return nil
}
