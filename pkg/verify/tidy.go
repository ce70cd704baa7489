package verify

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"dmorch/pkg/notify"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// TidyPut closes out a verified upload at stage PUT_TIDY: the verify
// download and any staged tars are deleted, the migration is marked
// on-storage, and the source tree is either released back to the user
// (PUT: restore the ownership recorded at planning time) or removed
// outright (MIGRATE). Advances to PUT_COMPLETED.
func (v *Verifier) TidyPut(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}

	if err := v.staging.RemoveVerifyDir(mig.StorageKind, mig.ExternalID); err != nil {
		return fmt.Errorf("remove verify dir: %w", err)
	}
	if err := v.staging.RemoveStagingDir(mig.ID); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}

	switch req.Type {
	case types.RequestMIGRATE:
		if err := os.RemoveAll(mig.CommonPath); err != nil {
			return fmt.Errorf("remove migrated source: %w", err)
		}
	default:
		if err := staging.RestoreOwnership(mig.CommonPath, mig.OriginalUID, mig.OriginalGID, mig.OriginalMode); err != nil {
			v.logger.Warn().Err(err).Str("path", mig.CommonPath).Msg("could not restore source ownership after verified upload")
		}
	}

	if err := v.mgr.SetMigrationStage(mig, types.MigrationOnStorage); err != nil {
		return fmt.Errorf("persist migration stage: %w", err)
	}
	v.publish(notify.EventRequestCompleted, req, mig, fmt.Sprintf("%s of %s completed", req.Type, mig.Label))
	return v.mgr.Transition(req, types.PutCompleted)
}

// TidyGet closes out a retrieval at stage GET_TIDY: any staged tars are
// deleted and the request completes.
func (v *Verifier) TidyGet(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	if err := v.staging.RemoveStagingDir(mig.ID); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	v.publish(notify.EventRequestCompleted, req, mig, fmt.Sprintf("GET of %s completed", mig.Label))
	return v.mgr.Transition(req, types.GetCompleted)
}

// TidyDelete closes out a deletion at stage DELETE_TIDY: archive and file
// rows are destroyed with their migration, whose record survives at stage
// DELETED as the audit trail.
func (v *Verifier) TidyDelete(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	archives, err := v.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	for _, a := range archives {
		files, err := v.mgr.Store().ListFilesByArchive(a.ID)
		if err != nil {
			return fmt.Errorf("list files for archive %s: %w", a.ID, err)
		}
		for _, f := range files {
			if err := v.mgr.Store().DeleteFile(f.ID); err != nil {
				return fmt.Errorf("delete file row %s: %w", f.ID, err)
			}
		}
		if err := v.mgr.Store().DeleteArchive(a.ID); err != nil {
			return fmt.Errorf("delete archive row %s: %w", a.ID, err)
		}
	}
	mig.ArchiveIDs = nil
	if err := v.mgr.SetMigrationStage(mig, types.MigrationDeleted); err != nil {
		return fmt.Errorf("persist migration stage: %w", err)
	}
	v.publish(notify.EventMigrationDeleted, req, mig, fmt.Sprintf("migration %s deleted", mig.Label))
	return v.mgr.Transition(req, types.DeleteCompleted)
}

// TidyFailed acknowledges a request at stage FAILED: the user is notified
// of the terminal failure and the request moves to FAILED_COMPLETED so it
// stops matching daemon queries.
func (v *Verifier) TidyFailed(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	v.publish(notify.EventRequestFailed, req, mig, req.FailureReason)
	return v.mgr.Transition(req, types.FailedCompleted)
}

func (v *Verifier) publish(eventType notify.EventType, req *types.MigrationRequest, mig *types.Migration, message string) {
	if v.broker == nil {
		return
	}
	v.broker.Publish(&notify.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now(),
		User:        req.User,
		RequestID:   req.ID,
		MigrationID: mig.ID,
		Message:     message,
	})
}
