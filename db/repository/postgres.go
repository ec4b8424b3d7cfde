package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	evedb "github.com/nexi-lab/nexus/db"
)

// ErrNotFound is returned by read paths for a missing row. Callers (e.g.
// rebac/namespace.Store.Get) translate this to rebac.ErrNamespaceNotFound;
// kept un-typed to this package so db/repository has no dependency on the
// rebac package.
var ErrNotFound = errors.New("repository: not found")

// PostgresNamespaceRepository implements NamespaceRepository using pgx raw
// SQL over *db.PostgresDB, the teacher's lightweight alternative to GORM
// (db/postgres_pgx.go) -- chosen here because namespace reads/writes are
// simple single-table upserts with no benefit from an ORM layer.
type PostgresNamespaceRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresNamespaceRepository(pg *evedb.PostgresDB) *PostgresNamespaceRepository {
	return &PostgresNamespaceRepository{db: pg}
}

func (r *PostgresNamespaceRepository) Upsert(ctx context.Context, objectType string, config []byte) (int64, time.Time, time.Time, error) {
	var id int64
	var createdAt, updatedAt time.Time
	row := r.db.QueryRow(ctx, `
		INSERT INTO namespaces (object_type, config, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (object_type) DO UPDATE SET config = EXCLUDED.config, updated_at = now()
		RETURNING namespace_id, created_at, updated_at`, objectType, config)
	if err := row.Scan(&id, &createdAt, &updatedAt); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("namespace upsert: %w", err)
	}
	return id, createdAt, updatedAt, nil
}

func (r *PostgresNamespaceRepository) Get(ctx context.Context, objectType string) ([]byte, time.Time, error) {
	var config []byte
	var updatedAt time.Time
	row := r.db.QueryRow(ctx, `SELECT config, updated_at FROM namespaces WHERE object_type = $1`, objectType)
	if err := row.Scan(&config, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("namespace get: %w", err)
	}
	return config, updatedAt, nil
}

func (r *PostgresNamespaceRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT object_type FROM namespaces ORDER BY object_type`)
	if err != nil {
		return nil, fmt.Errorf("namespace list: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ot string
		if err := rows.Scan(&ot); err != nil {
			return nil, err
		}
		out = append(out, ot)
	}
	return out, rows.Err()
}

// PostgresTupleRepository implements TupleRepository. Writes bump the zone
// revision and append a changelog row in the same transaction, per spec
// §4.2's atomicity requirement.
type PostgresTupleRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresTupleRepository(pg *evedb.PostgresDB) *PostgresTupleRepository {
	return &PostgresTupleRepository{db: pg}
}

func (r *PostgresTupleRepository) Insert(ctx context.Context, zone string, row TupleRow) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tuple insert begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tuples (tuple_id, subject_type, subject_id, subject_relation, relation,
			object_type, object_id, created_at, expires_at, conditions, tenant_id,
			subject_tenant_id, object_tenant_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),$8,$9,$10,$11,$12)`,
		row.TupleID, row.SubjectType, row.SubjectID, row.SubjectRelation, row.Relation,
		row.ObjectType, row.ObjectID, row.ExpiresAt, row.Conditions, row.TenantID,
		row.SubjectTenantID, row.ObjectTenantID)
	if err != nil {
		return 0, fmt.Errorf("tuple insert: %w", err)
	}

	if err := insertChangelog(ctx, tx, ChangeInsert, row); err != nil {
		return 0, err
	}

	revision, err := bumpRevisionTx(ctx, tx, zone)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tuple insert commit: %w", err)
	}
	return revision, nil
}

func (r *PostgresTupleRepository) Delete(ctx context.Context, zone, tupleID string) (*TupleRow, int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("tuple delete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var row TupleRow
	err = tx.QueryRow(ctx, `
		SELECT tuple_id, subject_type, subject_id, subject_relation, relation, object_type, object_id
		FROM tuples WHERE tuple_id = $1 AND (expires_at IS NULL OR expires_at >= now())`, tupleID).
		Scan(&row.TupleID, &row.SubjectType, &row.SubjectID, &row.SubjectRelation, &row.Relation,
			&row.ObjectType, &row.ObjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("tuple delete lookup: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM tuples WHERE tuple_id = $1`, tupleID); err != nil {
		return nil, 0, fmt.Errorf("tuple delete: %w", err)
	}
	if err := insertChangelog(ctx, tx, ChangeDelete, row); err != nil {
		return nil, 0, err
	}
	revision, err := bumpRevisionTx(ctx, tx, zone)
	if err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("tuple delete commit: %w", err)
	}
	return &row, revision, nil
}

func (r *PostgresTupleRepository) List(ctx context.Context, f TupleFilter) ([]TupleRow, error) {
	query := `SELECT tuple_id, subject_type, subject_id, subject_relation, relation, object_type,
		object_id, created_at, expires_at, conditions, tenant_id, subject_tenant_id, object_tenant_id
		FROM tuples WHERE (expires_at IS NULL OR expires_at >= $1)`
	args := []interface{}{f.Now}
	n := 1
	add := func(clause string, val interface{}) {
		n++
		query += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, val)
	}
	if f.SubjectType != "" {
		add("subject_type =", f.SubjectType)
	}
	if f.SubjectID != "" {
		add("subject_id =", f.SubjectID)
	}
	if f.Relation != "" {
		add("relation =", f.Relation)
	}
	if len(f.RelationIn) > 0 {
		n++
		query += fmt.Sprintf(" AND relation = ANY($%d)", n)
		args = append(args, f.RelationIn)
	}
	if f.ObjectType != "" {
		add("object_type =", f.ObjectType)
	}
	if f.ObjectID != "" {
		add("object_id =", f.ObjectID)
	}
	if f.HasTenantFilter {
		if f.TenantID == nil {
			query += " AND tenant_id IS NULL"
		} else {
			add("tenant_id =", *f.TenantID)
		}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tuple list: %w", err)
	}
	defer rows.Close()
	return scanTupleRows(rows)
}

func (r *PostgresTupleRepository) FindDirect(ctx context.Context, subjectType, subjectID, relation, objectType, objectID string) (*TupleRow, error) {
	rows, err := r.db.Query(ctx, `SELECT tuple_id, subject_type, subject_id, subject_relation, relation,
		object_type, object_id, created_at, expires_at, conditions, tenant_id, subject_tenant_id, object_tenant_id
		FROM tuples
		WHERE subject_type = $1 AND subject_id = $2 AND relation = $3 AND object_type = $4 AND object_id = $5
			AND (expires_at IS NULL OR expires_at >= now())
		LIMIT 1`, subjectType, subjectID, relation, objectType, objectID)
	if err != nil {
		return nil, fmt.Errorf("tuple find direct: %w", err)
	}
	defer rows.Close()
	out, err := scanTupleRows(rows)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r *PostgresTupleRepository) FindRelatedObjects(ctx context.Context, objectType, objectID, relation string) ([]TupleRow, error) {
	rows, err := r.db.Query(ctx, `SELECT tuple_id, subject_type, subject_id, subject_relation, relation,
		object_type, object_id, created_at, expires_at, conditions, tenant_id, subject_tenant_id, object_tenant_id
		FROM tuples
		WHERE object_type = $1 AND object_id = $2 AND relation = $3
			AND (expires_at IS NULL OR expires_at >= now())`, objectType, objectID, relation)
	if err != nil {
		return nil, fmt.Errorf("tuple find related objects: %w", err)
	}
	defer rows.Close()
	return scanTupleRows(rows)
}

func (r *PostgresTupleRepository) FindSubjectSets(ctx context.Context, objectType, objectID, relation string, tenantID *string, hasTenantFilter bool) ([]TupleRow, error) {
	query := `SELECT tuple_id, subject_type, subject_id, subject_relation, relation,
		object_type, object_id, created_at, expires_at, conditions, tenant_id, subject_tenant_id, object_tenant_id
		FROM tuples
		WHERE object_type = $1 AND object_id = $2 AND relation = $3
			AND subject_relation IS NOT NULL
			AND (expires_at IS NULL OR expires_at >= now())`
	args := []interface{}{objectType, objectID, relation}
	if hasTenantFilter {
		if tenantID == nil {
			query += " AND tenant_id IS NULL"
		} else {
			query += " AND tenant_id = $4"
			args = append(args, *tenantID)
		}
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tuple find subject sets: %w", err)
	}
	defer rows.Close()
	return scanTupleRows(rows)
}

func (r *PostgresTupleRepository) SweepExpired(ctx context.Context, zone string, now time.Time) ([]TupleRow, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT tuple_id, subject_type, subject_id, subject_relation, relation,
		object_type, object_id, created_at, expires_at, conditions, tenant_id, subject_tenant_id, object_tenant_id
		FROM tuples WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("sweep select: %w", err)
	}
	expired, err := scanTupleRows(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, len(expired))
	for i, t := range expired {
		ids[i] = t.TupleID
		if err := insertChangelog(ctx, tx, ChangeDelete, t); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tuples WHERE tuple_id = ANY($1)`, ids); err != nil {
		return nil, fmt.Errorf("sweep delete: %w", err)
	}
	if _, err := bumpRevisionTx(ctx, tx, zone); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("sweep commit: %w", err)
	}
	return expired, nil
}

func scanTupleRows(rows pgx.Rows) ([]TupleRow, error) {
	var out []TupleRow
	for rows.Next() {
		var t TupleRow
		if err := rows.Scan(&t.TupleID, &t.SubjectType, &t.SubjectID, &t.SubjectRelation, &t.Relation,
			&t.ObjectType, &t.ObjectID, &t.CreatedAt, &t.ExpiresAt, &t.Conditions, &t.TenantID,
			&t.SubjectTenantID, &t.ObjectTenantID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertChangelog(ctx context.Context, tx pgx.Tx, change ChangeType, row TupleRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO changelog (change_type, tuple_id, subject_type, subject_id, relation, object_type, object_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())`,
		string(change), row.TupleID, row.SubjectType, row.SubjectID, row.Relation, row.ObjectType, row.ObjectID)
	if err != nil {
		return fmt.Errorf("changelog insert: %w", err)
	}
	return nil
}

func bumpRevisionTx(ctx context.Context, tx pgx.Tx, zone string) (int64, error) {
	var revision int64
	err := tx.QueryRow(ctx, `
		INSERT INTO version_sequences (zone_id, current_version, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (zone_id) DO UPDATE SET current_version = version_sequences.current_version + 1, updated_at = now()
		RETURNING current_version`, zone).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("revision bump: %w", err)
	}
	return revision, nil
}

// PostgresRevisionRepository implements RevisionRepository directly (used
// by rebac/revision.Service outside of a tuple-write transaction, e.g. for
// Tiger bitmap mutations that bump revision on their own).
type PostgresRevisionRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresRevisionRepository(pg *evedb.PostgresDB) *PostgresRevisionRepository {
	return &PostgresRevisionRepository{db: pg}
}

func (r *PostgresRevisionRepository) Bump(ctx context.Context, zone string) (int64, error) {
	var revision int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO version_sequences (zone_id, current_version, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (zone_id) DO UPDATE SET current_version = version_sequences.current_version + 1, updated_at = now()
		RETURNING current_version`, zone).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("revision bump: %w", err)
	}
	return revision, nil
}

func (r *PostgresRevisionRepository) Current(ctx context.Context, zone string) (int64, error) {
	var revision int64
	err := r.db.QueryRow(ctx, `SELECT current_version FROM version_sequences WHERE zone_id = $1`, zone).Scan(&revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("revision current: %w", err)
	}
	return revision, nil
}

// PostgresResourceMapRepository implements ResourceMapRepository. Ids are
// allocated via INSERT ... ON CONFLICT DO NOTHING RETURNING, adapted from
// the teacher's DO UPDATE idiom in the metrics repository -- here adapted
// to DO NOTHING because int ids, once allocated, are never updated.
type PostgresResourceMapRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresResourceMapRepository(pg *evedb.PostgresDB) *PostgresResourceMapRepository {
	return &PostgresResourceMapRepository{db: pg}
}

func (r *PostgresResourceMapRepository) GetOrCreateIntID(ctx context.Context, resourceType, resourceID string) (int32, error) {
	var id int32
	err := r.db.QueryRow(ctx, `
		INSERT INTO tiger_resource_map (resource_type, resource_id)
		VALUES ($1, $2)
		ON CONFLICT (resource_type, resource_id) DO NOTHING
		RETURNING resource_int_id`, resourceType, resourceID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("resource map insert: %w", err)
	}
	// Row already existed (DO NOTHING path returns no rows); fetch it.
	err = r.db.QueryRow(ctx, `SELECT resource_int_id FROM tiger_resource_map WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resource map fetch: %w", err)
	}
	return id, nil
}

func (r *PostgresResourceMapRepository) BulkGetIntIDs(ctx context.Context, pairs [][2]string) (map[[2]string]int32, error) {
	out := make(map[[2]string]int32, len(pairs))
	for _, p := range pairs {
		id, err := r.GetOrCreateIntID(ctx, p[0], p[1])
		if err != nil {
			return nil, err
		}
		out[p] = id
	}
	return out, nil
}

func (r *PostgresResourceMapRepository) Resolve(ctx context.Context, intID int32) (string, string, error) {
	var rt, rid string
	err := r.db.QueryRow(ctx, `SELECT resource_type, resource_id FROM tiger_resource_map WHERE resource_int_id = $1`, intID).
		Scan(&rt, &rid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("resource map resolve: %w", err)
	}
	return rt, rid, nil
}

func (r *PostgresResourceMapRepository) ListByPrefix(ctx context.Context, resourceType, pathPrefix, cursor string, limit int) ([][2]string, string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Query(ctx, `
		SELECT resource_type, resource_id FROM tiger_resource_map
		WHERE resource_type = $1 AND resource_id LIKE $2 || '%' AND resource_id > $3
		ORDER BY resource_id ASC
		LIMIT $4`, resourceType, pathPrefix, cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("resource map list by prefix: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	var next string
	for rows.Next() {
		var rt, rid string
		if err := rows.Scan(&rt, &rid); err != nil {
			return nil, "", fmt.Errorf("resource map list by prefix scan: %w", err)
		}
		pairs = append(pairs, [2]string{rt, rid})
		next = rid
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("resource map list by prefix rows: %w", err)
	}
	if len(pairs) < limit {
		next = ""
	}
	return pairs, next, nil
}

// PostgresTigerRepository implements TigerRepository (the L3 tier of the
// Tiger Bitmap Cache).
type PostgresTigerRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresTigerRepository(pg *evedb.PostgresDB) *PostgresTigerRepository {
	return &PostgresTigerRepository{db: pg}
}

func (r *PostgresTigerRepository) GetBitmap(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID string) (*TigerBitmapRow, error) {
	row := r.db.QueryRow(ctx, `
		SELECT subject_type, subject_id, permission, resource_type, zone_id, bitmap_data, revision, updated_at
		FROM tiger_cache
		WHERE subject_type = $1 AND subject_id = $2 AND permission = $3 AND resource_type = $4 AND zone_id = $5`,
		subjectType, subjectID, permission, resourceType, zoneID)
	var out TigerBitmapRow
	if err := row.Scan(&out.SubjectType, &out.SubjectID, &out.Permission, &out.ResourceType, &out.ZoneID,
		&out.BitmapData, &out.Revision, &out.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tiger get: %w", err)
	}
	return &out, nil
}

func (r *PostgresTigerRepository) UpsertBitmap(ctx context.Context, row TigerBitmapRow) error {
	err := r.db.Exec(ctx, `
		INSERT INTO tiger_cache (subject_type, subject_id, permission, resource_type, zone_id, bitmap_data, revision, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now(), now())
		ON CONFLICT (subject_type, subject_id, permission, resource_type, zone_id)
		DO UPDATE SET bitmap_data = EXCLUDED.bitmap_data, revision = EXCLUDED.revision, updated_at = now()`,
		row.SubjectType, row.SubjectID, row.Permission, row.ResourceType, row.ZoneID, row.BitmapData, row.Revision)
	if err != nil {
		return fmt.Errorf("tiger upsert: %w", err)
	}
	return nil
}

func (r *PostgresTigerRepository) Invalidate(ctx context.Context, subjectType, subjectID, permission, resourceType, zoneID *string) error {
	query := `DELETE FROM tiger_cache WHERE 1=1`
	var args []interface{}
	n := 0
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		n++
		query += fmt.Sprintf(" AND %s = $%d", col, n)
		args = append(args, *v)
	}
	add("subject_type", subjectType)
	add("subject_id", subjectID)
	add("permission", permission)
	add("resource_type", resourceType)
	add("zone_id", zoneID)
	if err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("tiger invalidate: %w", err)
	}
	return nil
}

func (r *PostgresTigerRepository) WarmCandidates(ctx context.Context, limit int) ([]TigerBitmapRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT subject_type, subject_id, permission, resource_type, zone_id, bitmap_data, revision, updated_at
		FROM tiger_cache ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("tiger warm candidates: %w", err)
	}
	defer rows.Close()
	var out []TigerBitmapRow
	for rows.Next() {
		var t TigerBitmapRow
		if err := rows.Scan(&t.SubjectType, &t.SubjectID, &t.Permission, &t.ResourceType, &t.ZoneID,
			&t.BitmapData, &t.Revision, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PostgresDirectoryGrantRepository implements DirectoryGrantRepository.
type PostgresDirectoryGrantRepository struct {
	db *evedb.PostgresDB
}

func NewPostgresDirectoryGrantRepository(pg *evedb.PostgresDB) *PostgresDirectoryGrantRepository {
	return &PostgresDirectoryGrantRepository{db: pg}
}

func (r *PostgresDirectoryGrantRepository) Create(ctx context.Context, row DirectoryGrantRow) error {
	err := r.db.Exec(ctx, `
		INSERT INTO tiger_directory_grants (grant_id, subject_type, subject_id, permission, directory_path,
			zone_id, grant_revision, include_future_files, expansion_status, expanded_count, total_count,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now())
		ON CONFLICT (zone_id, directory_path, permission, subject_type, subject_id)
		DO UPDATE SET expansion_status = EXCLUDED.expansion_status, updated_at = now()`,
		row.GrantID, row.SubjectType, row.SubjectID, row.Permission, row.DirectoryPath, row.ZoneID,
		row.GrantRevision, row.IncludeFutureFiles, row.ExpansionStatus, row.ExpandedCount, row.TotalCount)
	if err != nil {
		return fmt.Errorf("directory grant create: %w", err)
	}
	return nil
}

func (r *PostgresDirectoryGrantRepository) UpdateProgress(ctx context.Context, grantID string, expandedCount int64, status string, errMsg *string) error {
	var completedAt *time.Time
	if status == "completed" || status == "failed" {
		now := time.Now().UTC()
		completedAt = &now
	}
	err := r.db.Exec(ctx, `
		UPDATE tiger_directory_grants
		SET expanded_count = $2, expansion_status = $3, error_message = $4, updated_at = now(), completed_at = $5
		WHERE grant_id = $1`, grantID, expandedCount, status, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("directory grant progress: %w", err)
	}
	return nil
}

func (r *PostgresDirectoryGrantRepository) MatchingAncestorGrants(ctx context.Context, zoneID string, ancestorPaths []string) ([]DirectoryGrantRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT grant_id, subject_type, subject_id, permission, directory_path, zone_id, grant_revision,
			include_future_files, expansion_status, expanded_count, total_count, error_message,
			created_at, updated_at, completed_at
		FROM tiger_directory_grants
		WHERE zone_id = $1 AND directory_path = ANY($2) AND expansion_status = 'completed' AND include_future_files = true`,
		zoneID, ancestorPaths)
	if err != nil {
		return nil, fmt.Errorf("directory grant match: %w", err)
	}
	defer rows.Close()
	var out []DirectoryGrantRow
	for rows.Next() {
		var g DirectoryGrantRow
		if err := rows.Scan(&g.GrantID, &g.SubjectType, &g.SubjectID, &g.Permission, &g.DirectoryPath,
			&g.ZoneID, &g.GrantRevision, &g.IncludeFutureFiles, &g.ExpansionStatus, &g.ExpandedCount,
			&g.TotalCount, &g.ErrorMessage, &g.CreatedAt, &g.UpdatedAt, &g.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
