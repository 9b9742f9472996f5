package repository

import (
	"context"
	"errors"

	"workbench/internal/common/db"
	appErr "workbench/pkg/errors"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowRepository reads workflow render state.
type WorkflowRepository interface {
	LatestDeltaID(ctx context.Context, workflowID int64) (int64, error)
}

// PostgresWorkflowRepository reads the workflow table.
type PostgresWorkflowRepository struct {
	dbProvider db.Provider
}

func NewWorkflowRepository(provider db.Provider) *PostgresWorkflowRepository {
	return &PostgresWorkflowRepository{dbProvider: provider}
}

// LatestDeltaID returns the id of the newest delta applied to the workflow.
// A missing workflow is a WorkflowNotFound error; anything else from the
// database is a DatabaseError.
func (r *PostgresWorkflowRepository) LatestDeltaID(ctx context.Context, workflowID int64) (int64, error) {
	database, err := db.CurrentDatabase(r.dbProvider)
	if err != nil {
		return 0, appErr.Wrap(err, appErr.DatabaseError)
	}
	var latest int64
	err = database.QueryRow(ctx, "SELECT last_delta_id FROM workflow WHERE id = $1", workflowID).Scan(&latest)
	if db.IsNoRows(err) {
		return 0, appErr.Wrapf(ErrWorkflowNotFound, appErr.WorkflowNotFound, "workflow %d not found", workflowID)
	}
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "read latest delta of workflow %d failed", workflowID)
	}
	return latest, nil
}
