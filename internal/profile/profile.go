// Package profile maintains the versioned JSON profile document. Updates
// are RFC 7396 merge patches; every update inserts a new version row and
// never touches prior rows, so the full history stays replayable.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/episteme-ai/episteme/internal/quality"
	"github.com/episteme-ai/episteme/internal/storage"
	"github.com/episteme-ai/episteme/internal/types"
)

// Store reads and writes the versioned profile.
type Store struct {
	quality *quality.Engine
	log     *zap.Logger
}

// NewStore builds a profile store.
func NewStore(q *quality.Engine, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{quality: q, log: log.Named("profile")}
}

// PatchInput is one profile update.
type PatchInput struct {
	// Patch is the raw RFC 7396 merge patch.
	Patch json.RawMessage
	// ChangedBy is the agent ID, or UserCaller for the end-user.
	ChangedBy string
	Origin    types.Origin
	// OverrideReason, when set, bypasses the identity invariant.
	OverrideReason string
}

const versionColumns = `version, profile, changed_fields, changed_by, meta_id, created_at`

// Get returns the authoritative profile: the highest version, or an
// empty version 0 when the tenant has never written one.
func (s *Store) Get(ctx context.Context, tx *storage.Tx) (*types.ProfileVersion, error) {
	row := tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM profile_versions ORDER BY version DESC LIMIT 1`)
	pv, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.ProfileVersion{Version: 0, Profile: map[string]any{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return pv, nil
}

// GetVersion returns one historical version.
func (s *Store) GetVersion(ctx context.Context, tx *storage.Tx, version int) (*types.ProfileVersion, error) {
	row := tx.QueryRow(ctx, `SELECT `+versionColumns+` FROM profile_versions WHERE version = $1`, version)
	pv, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewError(types.KindNotFound, "profile version %d not found", version)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile version %d: %w", version, err)
	}
	return pv, nil
}

// History lists versions newest-first.
func (s *Store) History(ctx context.Context, tx *storage.Tx, limit int) ([]*types.ProfileVersion, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `SELECT `+versionColumns+` FROM profile_versions ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list profile versions: %w", err)
	}
	defer rows.Close()

	var out []*types.ProfileVersion
	for rows.Next() {
		pv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile version: %w", err)
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// Patch applies a merge patch and inserts the next version. The version
// counter is serialized with an advisory lock so concurrent writers
// cannot leave gaps. Re-stated values send a mention to the previous
// version's meta; changed values record a contradiction between the
// previous meta and the new one.
func (s *Store) Patch(ctx context.Context, tx *storage.Tx, in PatchInput) (*types.ProfileVersion, error) {
	if !in.Origin.IsValid() {
		return nil, types.NewError(types.KindValidation, "unknown origin %q", in.Origin)
	}
	patch, err := ValidatePatch(in.Patch)
	if err != nil {
		return nil, err
	}
	if err := storage.AdvisoryXactLock(ctx, tx, storage.AdvisoryKey(tx.TenantID, "profile")); err != nil {
		return nil, err
	}
	prev, err := s.Get(ctx, tx)
	if err != nil {
		return nil, err
	}

	changes := Diff(prev.Profile, patch)
	if err := checkIdentity(prev.Profile, changes, in.ChangedBy, in.OverrideReason); err != nil {
		return nil, err
	}

	merged := Merge(prev.Profile, patch)
	version := prev.Version + 1
	meta, err := s.quality.CreateMeta(ctx, tx, types.SourceProfile, fmt.Sprintf("profile:v%d", version), in.Origin)
	if err != nil {
		return nil, err
	}

	changed := ChangedPaths(changes)
	if changed == nil {
		changed = []string{}
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged profile: %w", err)
	}
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changed fields: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO profile_versions (version, profile, changed_fields, changed_by, meta_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		version, mergedJSON, changedJSON, in.ChangedBy, meta.ID, now); err != nil {
		return nil, fmt.Errorf("failed to insert profile version %d: %w", version, err)
	}

	if prev.MetaID != "" {
		for _, c := range changes {
			switch c.Kind {
			case ChangeRestated:
				if err := s.quality.RecordMention(ctx, tx, prev.MetaID); err != nil {
					return nil, err
				}
			case ChangeModified:
				err := s.quality.RecordContradiction(ctx, tx, quality.ContradictionInput{
					PriorMetaID: prev.MetaID,
					NextMetaID:  meta.ID,
					Field:       "profile." + c.Path,
					PriorValue:  jsonString(c.Prior),
					NextValue:   jsonString(c.Next),
					Reason:      "profile update by " + in.ChangedBy,
				})
				if err != nil {
					return nil, err
				}
			}
		}
	}

	s.log.Debug("profile patched",
		zap.String("tenant_id", tx.TenantID),
		zap.Int("version", version),
		zap.Strings("changed_fields", changed))

	return &types.ProfileVersion{
		Version:       version,
		Profile:       merged,
		ChangedFields: changed,
		ChangedBy:     in.ChangedBy,
		MetaID:        meta.ID,
		CreatedAt:     now,
	}, nil
}

// OwnerName returns the profile owner's name, or "" when unset.
func OwnerName(profile map[string]any) string {
	if s, ok := profile["name"].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func scanVersion(row pgx.Row) (*types.ProfileVersion, error) {
	var (
		pv          types.ProfileVersion
		profileJSON []byte
		changedJSON []byte
		metaID      *string
	)
	if err := row.Scan(&pv.Version, &profileJSON, &changedJSON, &pv.ChangedBy, &metaID, &pv.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(profileJSON, &pv.Profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile v%d: %w", pv.Version, err)
	}
	if err := json.Unmarshal(changedJSON, &pv.ChangedFields); err != nil {
		return nil, fmt.Errorf("failed to decode changed fields of v%d: %w", pv.Version, err)
	}
	if metaID != nil {
		pv.MetaID = *metaID
	}
	return &pv, nil
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
