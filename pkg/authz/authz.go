package authz

import (
	"errors"
	"fmt"

	"dmorch/pkg/errkind"
	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

// ErrNotAuthorized is wrapped into every authorisation refusal so callers
// can distinguish policy denials from store errors.
var ErrNotAuthorized = errors.New("not authorized")

// Authorizer evaluates the three AND-combined checks that gate a request:
// directory ownership from the roster, per-backend permission (applied by
// the caller against its open connection), and quota.
type Authorizer struct {
	store storage.Store
}

// New creates an Authorizer over the roster held in store.
func New(store storage.Store) *Authorizer {
	return &Authorizer{store: store}
}

// UserInWorkspace checks that user is a registered user and a member of
// workspace. Membership means the user appears in the workspace's manager
// list or its member list; owning a migration under the workspace's path
// prefix does not by itself make a user a member.
func (a *Authorizer) UserInWorkspace(user, workspace string) error {
	if _, err := a.store.GetUser(user); err != nil {
		if err == storage.ErrNotFound {
			return fmt.Errorf("%w: unknown user %q", ErrNotAuthorized, user)
		}
		return fmt.Errorf("look up user: %w", err)
	}
	ws, err := a.store.GetGroupworkspace(workspace)
	if err != nil {
		if err == storage.ErrNotFound {
			return fmt.Errorf("%w: unknown workspace %q", ErrNotAuthorized, workspace)
		}
		return fmt.Errorf("look up workspace: %w", err)
	}
	for _, m := range ws.Managers {
		if m == user {
			return nil
		}
	}
	for _, m := range ws.Members {
		if m == user {
			return nil
		}
	}
	return fmt.Errorf("%w: user %q is not a member of workspace %q", ErrNotAuthorized, user, workspace)
}

// CanDelete checks the DELETE policy: the requesting user must either own
// the migration or manage its workspace.
func (a *Authorizer) CanDelete(user string, mig *types.Migration) error {
	if mig.User == user {
		return nil
	}
	ws, err := a.store.GetGroupworkspace(mig.Workspace)
	if err != nil {
		if err == storage.ErrNotFound {
			return fmt.Errorf("%w: unknown workspace %q", ErrNotAuthorized, mig.Workspace)
		}
		return fmt.Errorf("look up workspace: %w", err)
	}
	for _, m := range ws.Managers {
		if m == user {
			return nil
		}
	}
	return fmt.Errorf("%w: user %q neither owns migration %s nor manages workspace %q",
		ErrNotAuthorized, user, mig.ID, mig.Workspace)
}

// CheckPutQuota enforces quota_used < quota_size for (workspace,
// storageKind), plus headroom for needed bytes when the total is already
// known (the authoritative post-planning recheck passes the planned size;
// the pre-claim check passes 0). A quota row that doesn't exist yet means
// no quota was granted, which refuses the PUT.
func (a *Authorizer) CheckPutQuota(workspace, storageKind string, needed int64) error {
	q, err := a.store.GetStorageQuota(workspace, storageKind)
	if err != nil {
		if err == storage.ErrNotFound {
			return errkind.Wrap(errkind.QuotaExceeded,
				fmt.Errorf("no quota granted for workspace %q on %s", workspace, storageKind))
		}
		return fmt.Errorf("look up quota: %w", err)
	}
	if q.Exceeded() {
		return errkind.Wrap(errkind.QuotaExceeded,
			fmt.Errorf("quota exceeded for workspace %q on %s: %d of %d bytes used",
				workspace, storageKind, q.UsedBytes, q.TotalBytes))
	}
	if needed > 0 && q.UsedBytes+needed > q.TotalBytes {
		return errkind.Wrap(errkind.QuotaExceeded,
			fmt.Errorf("quota exceeded for workspace %q on %s: %d bytes needed, %d available",
				workspace, storageKind, needed, q.TotalBytes-q.UsedBytes))
	}
	return nil
}
