package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"photopipe/internal/metadata"
)

const projectColumns = "id, user_id, name, event_name, event_date, event_location, created_at, updated_at"

func scanProject(scanner rowScanner) (*Project, error) {
	var (
		p                                   Project
		eventName, eventDate, eventLocation sql.NullString
		createdRaw, updatedRaw              sql.NullString
	)
	if err := scanner.Scan(&p.ID, &p.UserID, &p.Name, &eventName, &eventDate, &eventLocation, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	p.EventName = eventName.String
	p.EventDate = eventDate.String
	p.EventLocation = eventLocation.String
	p.CreatedAt = parseTime(createdRaw)
	p.UpdatedAt = parseTime(updatedRaw)
	return &p, nil
}

// CreateProject inserts a project. An empty ID is generated.
func (s *Store) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, nullableString(p.EventName), nullableString(p.EventDate),
		nullableString(p.EventLocation), now, now,
	); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return s.GetProject(ctx, p.ID)
}

// GetProject fetches a project. A missing project yields (nil, nil).
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := noRows(scanProject(row))
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ProjectIDs returns every project id as a set.
func (s *Store) ProjectIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return ids, nil
}

// UpsertProfile stores the profile for a scope/owner pair, replacing any previous one.
func (s *Store) UpsertProfile(ctx context.Context, scope ProfileScope, ownerID string, data metadata.Profile) (*Profile, error) {
	if scope != ScopeProject && scope != ScopeUser {
		return nil, fmt.Errorf("upsert profile: unknown scope %q", scope)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO profiles (id, scope, owner_id, profile_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT (scope, owner_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`,
		newID(), scope, ownerID, string(payload), now, now,
	); err != nil {
		return nil, fmt.Errorf("upsert profile: %w", err)
	}
	return s.GetProfile(ctx, scope, ownerID)
}

// GetProfile returns the profile for a scope/owner pair, or (nil, nil).
func (s *Store) GetProfile(ctx context.Context, scope ProfileScope, ownerID string) (*Profile, error) {
	var (
		p                      Profile
		scopeRaw, payload      string
		createdRaw, updatedRaw sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, owner_id, profile_json, created_at, updated_at FROM profiles WHERE scope = ? AND owner_id = ?`,
		scope, ownerID,
	).Scan(&p.ID, &scopeRaw, &p.OwnerID, &payload, &createdRaw, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &p.Data); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	p.Scope = ProfileScope(scopeRaw)
	p.CreatedAt = parseTime(createdRaw)
	p.UpdatedAt = parseTime(updatedRaw)
	return &p, nil
}

const assetColumns = "id, project_id, user_id, filename, mime_type, content_hash, size_bytes, original_path, embedded_path, embedded_locator, user_context, declared_authorship, status, error_message, created_at, updated_at"

func scanAsset(scanner rowScanner) (*Asset, error) {
	var (
		a                                   Asset
		mimeType, embeddedPath, locator     sql.NullString
		userContext, declared, errorMessage sql.NullString
		status                              string
		createdRaw, updatedRaw              sql.NullString
	)
	if err := scanner.Scan(
		&a.ID, &a.ProjectID, &a.UserID, &a.Filename, &mimeType, &a.ContentHash, &a.SizeBytes,
		&a.OriginalPath, &embeddedPath, &locator, &userContext, &declared, &status, &errorMessage,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	a.MIMEType = mimeType.String
	a.EmbeddedPath = embeddedPath.String
	a.EmbeddedLocator = locator.String
	a.UserContext = userContext.String
	a.DeclaredAuthorship = metadata.AuthorshipStatus(declared.String)
	a.Status = AssetStatus(status)
	a.ErrorMessage = errorMessage.String
	a.CreatedAt = parseTime(createdRaw)
	a.UpdatedAt = parseTime(updatedRaw)
	return &a, nil
}

// CreateAsset inserts an uploaded asset. An empty ID is generated.
func (s *Store) CreateAsset(ctx context.Context, a Asset) (*Asset, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = AssetUploaded
	}
	now := nowString()
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.UserID, a.Filename, nullableString(a.MIMEType), a.ContentHash, a.SizeBytes,
		a.OriginalPath, nullableString(a.EmbeddedPath), nullableString(a.EmbeddedLocator),
		nullableString(a.UserContext), nullableString(string(a.DeclaredAuthorship)), a.Status,
		nullableString(a.ErrorMessage), now, now,
	); err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	return s.GetAsset(ctx, a.ID)
}

// GetAsset fetches an asset. A missing asset yields (nil, nil).
func (s *Store) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := noRows(scanAsset(row))
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns a project's assets in upload order.
func (s *Store) ListAssets(ctx context.Context, projectID string) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	var assets []*Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// SetAssetStatus records the asset's mirrored pipeline status.
func (s *Store) SetAssetStatus(ctx context.Context, id string, status AssetStatus, message string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE assets SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, nullableString(message), nowString(), id,
	); err != nil {
		return fmt.Errorf("set asset status: %w", err)
	}
	return nil
}

// SetAssetEmbedded records where the embedded copy lives locally and, when
// uploaded, in the object store.
func (s *Store) SetAssetEmbedded(ctx context.Context, id, localPath, locator string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE assets SET embedded_path = ?, embedded_locator = ?, updated_at = ? WHERE id = ?`,
		nullableString(localPath), nullableString(locator), nowString(), id,
	); err != nil {
		return fmt.Errorf("set asset embedded: %w", err)
	}
	return nil
}
