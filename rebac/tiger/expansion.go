package tiger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/nexi-lab/nexus/db/repository"
	"github.com/nexi-lab/nexus/rebac"
)

// RecordDirectoryGrant expands "subject X has permission P on directory D,
// including future files" (spec §4.8, §3's Directory Grant entity): it
// enumerates descendants under directoryPath in DefaultBatchSize pages,
// bulk-resolving int ids and accumulating them into an in-memory bitmap,
// persisting the full bitmap once on completion rather than per-batch.
// Progress (expanded_count, status) is persisted after every batch so a
// crash mid-expansion leaves an accurate in_progress row; restart reruns
// the whole expansion from scratch rather than resuming a partial bitmap,
// since membership is idempotent to recompute.
func (t *Tiger) RecordDirectoryGrant(ctx context.Context, subject rebac.Entity, permission, directoryPath, zoneID string, includeFutureFiles bool, resourceType string) (string, error) {
	grantID := uuid.NewString()
	grantRevision, err := t.revisions.Current(ctx, zoneID)
	if err != nil {
		return "", fmt.Errorf("tiger: directory grant revision lookup: %w", err)
	}

	if err := t.grants.Create(ctx, repository.DirectoryGrantRow{
		GrantID: grantID, SubjectType: subject.Type, SubjectID: subject.ID,
		Permission: permission, DirectoryPath: directoryPath, ZoneID: zoneID,
		GrantRevision: grantRevision, IncludeFutureFiles: includeFutureFiles,
		ExpansionStatus: "pending",
	}); err != nil {
		return "", fmt.Errorf("tiger: directory grant create: %w", err)
	}

	bm := roaring.New()
	var expanded int64
	cursor := ""
	for {
		if err := t.batchLimiter.Wait(ctx); err != nil {
			msg := err.Error()
			t.grants.UpdateProgress(ctx, grantID, expanded, "failed", &msg)
			return grantID, fmt.Errorf("tiger: directory grant rate limit wait: %w", err)
		}
		pairs, next, err := t.descendants.ListDescendants(ctx, zoneID, directoryPath, cursor, DefaultBatchSize)
		if err != nil {
			msg := err.Error()
			t.grants.UpdateProgress(ctx, grantID, expanded, "failed", &msg)
			return grantID, fmt.Errorf("tiger: directory grant expansion: %w", err)
		}
		if len(pairs) > 0 {
			ids, err := t.resourceMap.BulkGetIntIDs(ctx, pairs)
			if err != nil {
				msg := err.Error()
				t.grants.UpdateProgress(ctx, grantID, expanded, "failed", &msg)
				return grantID, fmt.Errorf("tiger: directory grant resolve ids: %w", err)
			}
			for _, id := range ids {
				bm.Add(uint32(id))
			}
			expanded += int64(len(pairs))
			if err := t.grants.UpdateProgress(ctx, grantID, expanded, "in_progress", nil); err != nil {
				t.log.WithError(err).Warn("tiger: directory grant progress update failed")
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if err := t.persist(ctx, subject, permission, resourceType, zoneID, bm); err != nil {
		msg := err.Error()
		t.grants.UpdateProgress(ctx, grantID, expanded, "failed", &msg)
		return grantID, fmt.Errorf("tiger: directory grant persist: %w", err)
	}
	if err := t.grants.UpdateProgress(ctx, grantID, expanded, "completed", nil); err != nil {
		t.log.WithError(err).Warn("tiger: directory grant completion update failed")
	}
	return grantID, nil
}

// AddFileToAncestorGrants runs on every new file creation (spec §4.8): it
// consults every completed, include-future-files directory grant whose
// directory_path is an ancestor of path, and write-throughs the new file's
// int id into each matching bitmap, bumping the zone revision once per
// matching grant via the shared persist path.
func (t *Tiger) AddFileToAncestorGrants(ctx context.Context, resourceType, path, zoneID string) error {
	ancestors := ancestorPaths(path)
	if len(ancestors) == 0 {
		return nil
	}
	grants, err := t.grants.MatchingAncestorGrants(ctx, zoneID, ancestors)
	if err != nil {
		return fmt.Errorf("tiger: ancestor grants lookup: %w", err)
	}

	intID, err := t.resourceMap.GetOrCreateIntID(ctx, resourceType, path)
	if err != nil {
		return err
	}

	for _, g := range grants {
		if g.ExpansionStatus != "completed" || !g.IncludeFutureFiles {
			continue
		}
		bm, err := t.loadFromL3Only(ctx, g.SubjectType, g.SubjectID, g.Permission, resourceType, zoneID)
		if err != nil {
			return err
		}
		if bm.Contains(uint32(intID)) {
			continue
		}
		bm.Add(uint32(intID))
		subject := rebac.Entity{Type: g.SubjectType, ID: g.SubjectID}
		if err := t.persist(ctx, subject, g.Permission, resourceType, zoneID, bm); err != nil {
			return fmt.Errorf("tiger: ancestor grant persist: %w", err)
		}
	}
	return nil
}

// ancestorPaths returns every directory prefix of path, from shallowest to
// deepest, e.g. "/proj/sub/file.txt" -> ["/", "/proj/", "/proj/sub/"].
func ancestorPaths(path string) []string {
	var out []string
	for i, c := range path {
		if c == '/' && i > 0 {
			out = append(out, path[:i+1])
		}
	}
	if len(path) > 0 && path[0] == '/' {
		out = append([]string{"/"}, out...)
	}
	return out
}
