package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dshills/flowstudio/pkg/api"
)

const folderColumns = `
	f.id, f.name, f.parent_id, f.created_at, f.updated_at,
	(SELECT COUNT(*) FROM workflows w WHERE w.folder_id = f.id) AS file_count`

// ListFolders returns the caller's folders directly under parentID (nil for root)
func (s *Store) ListFolders(ctx context.Context, parentID *string) ([]api.Folder, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + folderColumns + ` FROM folders f WHERE f.user_id = ?`
	args := []interface{}{userID}
	if parentID == nil {
		query += ` AND f.parent_id IS NULL`
	} else {
		query += ` AND f.parent_id = ?`
		args = append(args, *parentID)
	}
	query += ` ORDER BY f.updated_at DESC`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	folders := []api.Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}

	return folders, nil
}

// GetFolder returns one of the caller's folders with its workflow count
func (s *Store) GetFolder(ctx context.Context, id string) (*api.Folder, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.loadFolder(ctx, s.db, userID, id)
}

func (s *Store) loadFolder(ctx context.Context, q querier, userID, id string) (*api.Folder, error) {
	if id == "" {
		return nil, api.Invalid("folder id is required")
	}
	row := s.queryRow(ctx, q, `SELECT `+folderColumns+` FROM folders f WHERE f.id = ? AND f.user_id = ?`, id, userID)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFound("folder", id)
	}
	return f, err
}

// CreateFolder inserts a folder owned by the caller. A parent must exist and
// belong to the caller.
func (s *Store) CreateFolder(ctx context.Context, in api.CreateFolderInput) (*api.Folder, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	id := s.newID()
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if in.ParentID != nil {
			if err := s.requireFolder(ctx, tx, userID, *in.ParentID); err != nil {
				return err
			}
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO folders (id, user_id, name, parent_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, userID, in.Name, nullString(in.ParentID), now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create folder: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadFolder(ctx, s.db, userID, id)
}

// UpdateFolder renames or moves one of the caller's folders
func (s *Store) UpdateFolder(ctx context.Context, in api.UpdateFolderInput) (*api.Folder, error) {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.loadFolder(ctx, tx, userID, in.ID)
		if err != nil {
			return err
		}

		name := existing.Name
		if in.Name != nil {
			name = *in.Name
		}
		parentID := existing.ParentID
		if in.SetParent {
			if in.ParentID != nil {
				if err := s.requireFolder(ctx, tx, userID, *in.ParentID); err != nil {
					return err
				}
				if err := s.rejectCycle(ctx, tx, in.ID, *in.ParentID); err != nil {
					return err
				}
			}
			parentID = in.ParentID
		}

		_, err = s.exec(ctx, tx, `
			UPDATE folders SET name = ?, parent_id = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			name, nullString(parentID), s.now(), in.ID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update folder: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.loadFolder(ctx, s.db, userID, in.ID)
}

// DeleteFolder removes a folder. Its workflows and child folders move to the
// root instead of being deleted.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	userID, err := api.RequireUser(ctx)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireFolder(ctx, tx, userID, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `UPDATE workflows SET folder_id = NULL WHERE folder_id = ? AND user_id = ?`, id, userID); err != nil {
			return fmt.Errorf("failed to reparent workflows: %w", err)
		}
		if _, err := s.exec(ctx, tx, `UPDATE folders SET parent_id = NULL WHERE parent_id = ? AND user_id = ?`, id, userID); err != nil {
			return fmt.Errorf("failed to reparent folders: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete folder: %w", err)
		}
		return nil
	})
}

func (s *Store) requireFolder(ctx context.Context, q querier, userID, id string) error {
	var found string
	err := s.queryRow(ctx, q, `SELECT id FROM folders WHERE id = ? AND user_id = ?`, id, userID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return api.NotFound("folder", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check folder: %w", err)
	}
	return nil
}

// rejectCycle fails when newParent is id itself or one of its descendants
func (s *Store) rejectCycle(ctx context.Context, q querier, id, newParent string) error {
	current := newParent
	for depth := 0; current != ""; depth++ {
		if current == id {
			return api.Invalid("folder %s cannot be moved into its own subtree", id)
		}
		if depth > 1000 {
			return fmt.Errorf("folder hierarchy too deep at %s", current)
		}
		var parent sql.NullString
		err := s.queryRow(ctx, q, `SELECT parent_id FROM folders WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to walk folder hierarchy: %w", err)
		}
		current = parent.String
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFolder(row scanner) (*api.Folder, error) {
	var f api.Folder
	var parentID sql.NullString
	if err := row.Scan(&f.ID, &f.Name, &parentID, &f.CreatedAt, &f.UpdatedAt, &f.FileCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	f.ParentID = stringPtr(parentID)
	return &f, nil
}
