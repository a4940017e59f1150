package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string, pc PoolConfig) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		config.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.HealthCheckPeriod > 0 {
		config.HealthCheckPeriod = pc.HealthCheckPeriod
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// mapPgError translates constraint violations into store sentinels.
func mapPgError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		case "23503":
			return fmt.Errorf("%s: referenced entity: %w", what, ErrNotFound)
		}
	}
	return err
}

// --- Target Operations ---

const targetColumns = `controller_id, tenant_id, name, description, address, update_status,
	assigned_ds_id, installed_ds_id, installed_at, active_action_id, last_seen_at, attributes,
	created_at, updated_at, revision`

func scanTarget(row pgx.Row) (*Target, error) {
	var t Target
	err := row.Scan(
		&t.ControllerID, &t.TenantID, &t.Name, &t.Description, &t.Address, &t.UpdateStatus,
		&t.AssignedDistributionSetID, &t.InstalledDistributionSetID, &t.InstalledAt, &t.ActiveActionID,
		&t.LastSeenAt, &t.Attributes, &t.CreatedAt, &t.UpdatedAt, &t.Revision,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func attributes(t *Target) map[string]string {
	if t.Attributes == nil {
		return map[string]string{}
	}
	return t.Attributes
}

func (s *PostgresStore) CreateTarget(ctx context.Context, tenantID string, t *Target) error {
	t.TenantID = tenantID
	if t.UpdateStatus == "" {
		t.UpdateStatus = UpdateStatusUnknown
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO targets (tenant_id, controller_id, name, description, address, update_status,
			installed_ds_id, last_seen_at, attributes, created_at, updated_at, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), 1)
		RETURNING created_at, updated_at, revision
	`
	err = tx.QueryRow(ctx, query,
		tenantID, t.ControllerID, t.Name, t.Description, t.Address, t.UpdateStatus,
		t.InstalledDistributionSetID, t.LastSeenAt, attributes(t),
	).Scan(&t.CreatedAt, &t.UpdatedAt, &t.Revision)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("target %q", t.ControllerID))
	}
	if err := replaceTargetTags(ctx, tx, tenantID, t.ControllerID, t.Tags); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTarget(ctx context.Context, tenantID string, controllerID string) (*Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE tenant_id = $1 AND controller_id = $2`
	t, err := scanTarget(s.pool.QueryRow(ctx, query, tenantID, controllerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("target %q: %w", controllerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, tenantID, []*Target{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTargets(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE tenant_id = $1 ORDER BY controller_id OFFSET $2`
	args := []interface{}{tenantID, max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryTargets(ctx, tenantID, query, args...)
}

func (s *PostgresStore) ListTargetsByControllerIDs(ctx context.Context, tenantID string, controllerIDs []string) ([]*Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE tenant_id = $1 AND controller_id = ANY($2) ORDER BY controller_id`
	return s.queryTargets(ctx, tenantID, query, tenantID, controllerIDs)
}

func (s *PostgresStore) queryTargets(ctx context.Context, tenantID string, query string, args ...interface{}) ([]*Target, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := make([]*Target, 0)
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadTags(ctx, tenantID, targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (s *PostgresStore) loadTags(ctx context.Context, tenantID string, targets []*Target) error {
	if len(targets) == 0 {
		return nil
	}
	byID := make(map[string]*Target, len(targets))
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		t.Tags = []string{}
		byID[t.ControllerID] = t
		ids = append(ids, t.ControllerID)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT controller_id, tag_name FROM target_tags WHERE tenant_id = $1 AND controller_id = ANY($2) ORDER BY tag_name`,
		tenantID, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var controllerID, tag string
		if err := rows.Scan(&controllerID, &tag); err != nil {
			return err
		}
		if t, ok := byID[controllerID]; ok {
			t.Tags = append(t.Tags, tag)
		}
	}
	return rows.Err()
}

func replaceTargetTags(ctx context.Context, tx pgx.Tx, tenantID, controllerID string, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM target_tags WHERE tenant_id = $1 AND controller_id = $2`, tenantID, controllerID); err != nil {
		return err
	}
	for _, tag := range tags {
		_, err := tx.Exec(ctx,
			`INSERT INTO target_tags (tenant_id, controller_id, tag_name) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			tenantID, controllerID, tag)
		if err != nil {
			return mapPgError(err, fmt.Sprintf("tag %q", tag))
		}
	}
	return nil
}

func (s *PostgresStore) ListTargetsWithoutTags(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets t
		WHERE tenant_id = $1 AND NOT EXISTS (
			SELECT 1 FROM target_tags tt WHERE tt.tenant_id = t.tenant_id AND tt.controller_id = t.controller_id)
		ORDER BY controller_id OFFSET $2`
	args := []interface{}{tenantID, max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryTargets(ctx, tenantID, query, args...)
}

func (s *PostgresStore) UpdateTarget(ctx context.Context, tenantID string, t *Target, expectedRevision int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE targets SET name = $3, description = $4, attributes = $5, updated_at = NOW(), revision = revision + 1
		WHERE tenant_id = $1 AND controller_id = $2 AND revision = $6
		RETURNING revision, updated_at
	`
	var revision int64
	var updatedAt time.Time
	err = tx.QueryRow(ctx, query, tenantID, t.ControllerID, t.Name, t.Description, attributes(t), expectedRevision).
		Scan(&revision, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.targetMissOrConflict(ctx, tenantID, t.ControllerID)
	}
	if err != nil {
		return err
	}
	if err := replaceTargetTags(ctx, tx, tenantID, t.ControllerID, t.Tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.Revision = revision
	t.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) targetMissOrConflict(ctx context.Context, tenantID, controllerID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM targets WHERE tenant_id = $1 AND controller_id = $2)`,
		tenantID, controllerID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("target %q: %w", controllerID, ErrNotFound)
	}
	return ErrConflict
}

func (s *PostgresStore) TouchTarget(ctx context.Context, tenantID string, controllerID string, address string, seenAt time.Time) error {
	query := `
		UPDATE targets SET last_seen_at = $3, address = CASE WHEN $4 = '' THEN address ELSE $4 END
		WHERE tenant_id = $1 AND controller_id = $2
	`
	tag, err := s.pool.Exec(ctx, query, tenantID, controllerID, seenAt, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %q: %w", controllerID, ErrNotFound)
	}
	return nil
}

// DeleteTargets relies on ON DELETE CASCADE for actions, history and tag links.
func (s *PostgresStore) DeleteTargets(ctx context.Context, tenantID string, controllerIDs []string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM targets WHERE tenant_id = $1 AND controller_id = ANY($2)`, tenantID, controllerIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountTargetsByUpdateStatus(ctx context.Context, tenantID string) (map[UpdateStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT update_status, COUNT(*) FROM targets WHERE tenant_id = $1 GROUP BY update_status`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[UpdateStatus]int, len(UpdateStatuses))
	for _, st := range UpdateStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status UpdateStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM targets ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Tag Operations ---

func (s *PostgresStore) CreateTag(ctx context.Context, tenantID string, tag *Tag) error {
	tag.TenantID = tenantID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tags (tenant_id, name, description, colour) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		tenantID, tag.Name, tag.Description, tag.Colour).Scan(&tag.CreatedAt)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("tag %q", tag.Name))
	}
	return nil
}

func (s *PostgresStore) GetTag(ctx context.Context, tenantID string, name string) (*Tag, error) {
	var tag Tag
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, name, description, colour, created_at FROM tags WHERE tenant_id = $1 AND name = $2`,
		tenantID, name).Scan(&tag.TenantID, &tag.Name, &tag.Description, &tag.Colour, &tag.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tag %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func (s *PostgresStore) ListTags(ctx context.Context, tenantID string) ([]*Tag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, name, description, colour, created_at FROM tags WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tags := make([]*Tag, 0)
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.TenantID, &tag.Name, &tag.Description, &tag.Colour, &tag.CreatedAt); err != nil {
			return nil, err
		}
		tags = append(tags, &tag)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) UpdateTag(ctx context.Context, tenantID string, tag *Tag) error {
	err := s.pool.QueryRow(ctx,
		`UPDATE tags SET description = $3, colour = $4 WHERE tenant_id = $1 AND name = $2 RETURNING created_at`,
		tenantID, tag.Name, tag.Description, tag.Colour).Scan(&tag.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("tag %q: %w", tag.Name, ErrNotFound)
	}
	if err != nil {
		return err
	}
	tag.TenantID = tenantID
	return nil
}

// DeleteTag relies on ON DELETE CASCADE for target and distribution set links.
func (s *PostgresStore) DeleteTag(ctx context.Context, tenantID string, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tags WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tag %q: %w", name, ErrNotFound)
	}
	return nil
}

// --- Catalog Operations ---

func metadata(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}
	return md
}

func (s *PostgresStore) CreateSoftwareModule(ctx context.Context, tenantID string, m *SoftwareModule) error {
	m.TenantID = tenantID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO software_modules (tenant_id, type_key, name, version, vendor, metadata)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		tenantID, m.Type, m.Name, m.Version, m.Vendor, metadata(m.Metadata)).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("software module %s:%s", m.Name, m.Version))
	}
	return nil
}

func (s *PostgresStore) GetSoftwareModule(ctx context.Context, tenantID string, id int64) (*SoftwareModule, error) {
	var m SoftwareModule
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type_key, name, version, vendor, metadata, created_at
		FROM software_modules WHERE id = $1 AND tenant_id = $2`, id, tenantID).
		Scan(&m.ID, &m.TenantID, &m.Type, &m.Name, &m.Version, &m.Vendor, &m.Metadata, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("software module %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ChangeSoftwareModuleMetadata checks and writes the keys in one UPDATE.
func (s *PostgresStore) ChangeSoftwareModuleMetadata(ctx context.Context, tenantID string, id int64, op MetadataOp, entries map[string]string) (*SoftwareModule, error) {
	keys := slices.Sorted(maps.Keys(entries))
	var tag pgconn.CommandTag
	var err error
	switch op {
	case MetadataCreate:
		tag, err = s.pool.Exec(ctx, `UPDATE software_modules SET metadata = metadata || $3
			WHERE id = $1 AND tenant_id = $2 AND NOT metadata ?| $4`, id, tenantID, entries, keys)
	case MetadataUpdate:
		tag, err = s.pool.Exec(ctx, `UPDATE software_modules SET metadata = metadata || $3
			WHERE id = $1 AND tenant_id = $2 AND metadata ?& $4`, id, tenantID, entries, keys)
	case MetadataDelete:
		tag, err = s.pool.Exec(ctx, `UPDATE software_modules SET metadata = metadata - $3::text[]
			WHERE id = $1 AND tenant_id = $2 AND metadata ?& $3`, id, tenantID, keys)
	default:
		return nil, fmt.Errorf("metadata op %d: %w", op, ErrInvalidState)
	}
	if err != nil {
		return nil, err
	}
	m, err := s.GetSoftwareModule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if op == MetadataCreate {
			return nil, fmt.Errorf("metadata of software module %d: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("metadata of software module %d: %w", id, ErrNotFound)
	}
	return m, nil
}

func (s *PostgresStore) CreateDistributionSetType(ctx context.Context, tenantID string, t *DistributionSetType) error {
	t.TenantID = tenantID
	mandatory, optional := t.Mandatory, t.Optional
	if mandatory == nil {
		mandatory = []string{}
	}
	if optional == nil {
		optional = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO distribution_set_types (tenant_id, key, name, description, mandatory, optional)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		tenantID, t.Key, t.Name, t.Description, mandatory, optional).Scan(&t.CreatedAt)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("distribution set type %q", t.Key))
	}
	return nil
}

func (s *PostgresStore) GetDistributionSetType(ctx context.Context, tenantID string, key string) (*DistributionSetType, error) {
	var t DistributionSetType
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key, name, description, mandatory, optional, created_at
		FROM distribution_set_types WHERE tenant_id = $1 AND key = $2`, tenantID, key).
		Scan(&t.TenantID, &t.Key, &t.Name, &t.Description, &t.Mandatory, &t.Optional, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("distribution set type %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const distributionSetColumns = `id, tenant_id, name, version, description, type_key, complete, deleted,
	required_migration_step, metadata, created_at, updated_at, revision`

func scanDistributionSet(row pgx.Row) (*DistributionSet, error) {
	var ds DistributionSet
	err := row.Scan(&ds.ID, &ds.TenantID, &ds.Name, &ds.Version, &ds.Description, &ds.Type,
		&ds.Complete, &ds.Deleted, &ds.RequiredMigrationStep, &ds.Metadata, &ds.CreatedAt, &ds.UpdatedAt, &ds.Revision)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *PostgresStore) CreateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var id, revision int64
	var createdAt, updatedAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO distribution_sets (tenant_id, name, version, description, type_key, complete, deleted,
			required_migration_step, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at, revision`,
		tenantID, ds.Name, ds.Version, ds.Description, ds.Type, ds.Complete, ds.Deleted, ds.RequiredMigrationStep,
		metadata(ds.Metadata),
	).Scan(&id, &createdAt, &updatedAt, &revision)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("distribution set %s:%s", ds.Name, ds.Version))
	}
	if err := replaceModules(ctx, tx, id, ds.Modules); err != nil {
		return err
	}
	if err := replaceSetTags(ctx, tx, tenantID, id, ds.Tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	ds.ID, ds.TenantID, ds.CreatedAt, ds.UpdatedAt, ds.Revision = id, tenantID, createdAt, updatedAt, revision
	return nil
}

func replaceModules(ctx context.Context, tx pgx.Tx, dsID int64, modules []SoftwareModule) error {
	if _, err := tx.Exec(ctx, `DELETE FROM distribution_set_modules WHERE distribution_set_id = $1`, dsID); err != nil {
		return err
	}
	for i, m := range modules {
		_, err := tx.Exec(ctx,
			`INSERT INTO distribution_set_modules (distribution_set_id, module_id, position) VALUES ($1, $2, $3)`,
			dsID, m.ID, i)
		if err != nil {
			return mapPgError(err, fmt.Sprintf("software module %d", m.ID))
		}
	}
	return nil
}

func replaceSetTags(ctx context.Context, tx pgx.Tx, tenantID string, dsID int64, tags []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM distribution_set_tags WHERE distribution_set_id = $1`, dsID); err != nil {
		return err
	}
	for _, tag := range tags {
		_, err := tx.Exec(ctx,
			`INSERT INTO distribution_set_tags (distribution_set_id, tenant_id, tag_name) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			dsID, tenantID, tag)
		if err != nil {
			return mapPgError(err, fmt.Sprintf("tag %q", tag))
		}
	}
	return nil
}

// loadSetDetails fills modules and tags of sets.
func (s *PostgresStore) loadSetDetails(ctx context.Context, sets []*DistributionSet) error {
	if err := s.loadModules(ctx, sets); err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	byID := make(map[int64]*DistributionSet, len(sets))
	ids := make([]int64, 0, len(sets))
	for _, ds := range sets {
		ds.Tags = []string{}
		byID[ds.ID] = ds
		ids = append(ids, ds.ID)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT distribution_set_id, tag_name FROM distribution_set_tags WHERE distribution_set_id = ANY($1) ORDER BY tag_name`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dsID int64
		var tag string
		if err := rows.Scan(&dsID, &tag); err != nil {
			return err
		}
		if ds, ok := byID[dsID]; ok {
			ds.Tags = append(ds.Tags, tag)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) loadModules(ctx context.Context, sets []*DistributionSet) error {
	if len(sets) == 0 {
		return nil
	}
	byID := make(map[int64]*DistributionSet, len(sets))
	ids := make([]int64, 0, len(sets))
	for _, ds := range sets {
		ds.Modules = []SoftwareModule{}
		byID[ds.ID] = ds
		ids = append(ids, ds.ID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT dm.distribution_set_id, m.id, m.tenant_id, m.type_key, m.name, m.version, m.vendor, m.metadata, m.created_at
		FROM distribution_set_modules dm JOIN software_modules m ON m.id = dm.module_id
		WHERE dm.distribution_set_id = ANY($1)
		ORDER BY dm.distribution_set_id, dm.position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dsID int64
		var m SoftwareModule
		if err := rows.Scan(&dsID, &m.ID, &m.TenantID, &m.Type, &m.Name, &m.Version, &m.Vendor, &m.Metadata, &m.CreatedAt); err != nil {
			return err
		}
		if ds, ok := byID[dsID]; ok {
			ds.Modules = append(ds.Modules, m)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) GetDistributionSet(ctx context.Context, tenantID string, id int64) (*DistributionSet, error) {
	query := `SELECT ` + distributionSetColumns + ` FROM distribution_sets WHERE id = $1 AND tenant_id = $2`
	ds, err := scanDistributionSet(s.pool.QueryRow(ctx, query, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("distribution set %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSetDetails(ctx, []*DistributionSet{ds}); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *PostgresStore) ListDistributionSets(ctx context.Context, tenantID string, includeDeleted bool) ([]*DistributionSet, error) {
	query := `SELECT ` + distributionSetColumns + ` FROM distribution_sets
		WHERE tenant_id = $1 AND ($2 OR NOT deleted) ORDER BY id`
	rows, err := s.pool.Query(ctx, query, tenantID, includeDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sets := make([]*DistributionSet, 0)
	for rows.Next() {
		ds, err := scanDistributionSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadSetDetails(ctx, sets); err != nil {
		return nil, err
	}
	return sets, nil
}

// UpdateDistributionSet takes the row lock first so that an assignment
// transaction holding FOR SHARE on the set commits before the in-use check runs.
func (s *PostgresStore) UpdateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet, expectedRevision int64, requireUnused bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current int64
	err = tx.QueryRow(ctx,
		`SELECT revision FROM distribution_sets WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, ds.ID, tenantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("distribution set %d: %w", ds.ID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != expectedRevision {
		return ErrConflict
	}
	if requireUnused {
		var used bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM actions WHERE distribution_set_id = $1)`, ds.ID).Scan(&used); err != nil {
			return err
		}
		if used {
			return fmt.Errorf("distribution set %d: %w", ds.ID, ErrInUse)
		}
	}

	var revision int64
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE distribution_sets SET name = $2, description = $3, complete = $4, deleted = $5,
			required_migration_step = $6, metadata = $7, updated_at = NOW(), revision = revision + 1
		WHERE id = $1 RETURNING revision, updated_at`,
		ds.ID, ds.Name, ds.Description, ds.Complete, ds.Deleted, ds.RequiredMigrationStep, metadata(ds.Metadata),
	).Scan(&revision, &updatedAt)
	if err != nil {
		return mapPgError(err, fmt.Sprintf("distribution set %d", ds.ID))
	}
	if err := replaceModules(ctx, tx, ds.ID, ds.Modules); err != nil {
		return err
	}
	if err := replaceSetTags(ctx, tx, tenantID, ds.ID, ds.Tags); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	ds.Revision = revision
	ds.UpdatedAt = updatedAt
	return nil
}

const inUseQuery = `SELECT EXISTS (SELECT 1 FROM actions WHERE distribution_set_id = $1)
	OR EXISTS (SELECT 1 FROM targets WHERE tenant_id = $2 AND (assigned_ds_id = $1 OR installed_ds_id = $1))`

func (s *PostgresStore) DistributionSetInUse(ctx context.Context, tenantID string, id int64) (bool, error) {
	if _, err := s.GetDistributionSet(ctx, tenantID, id); err != nil {
		return false, err
	}
	var used bool
	if err := s.pool.QueryRow(ctx, inUseQuery, id, tenantID).Scan(&used); err != nil {
		return false, err
	}
	return used, nil
}

func (s *PostgresStore) DeleteDistributionSet(ctx context.Context, tenantID string, id int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM distribution_sets WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("distribution set %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	var used bool
	if err := tx.QueryRow(ctx, inUseQuery, id, tenantID).Scan(&used); err != nil {
		return err
	}
	if used {
		return fmt.Errorf("distribution set %d: %w", id, ErrInUse)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM distribution_sets WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Action Ledger Operations ---

const actionColumns = `id, tenant_id, controller_id, distribution_set_id, action_type, forced_time, status,
	active, superseded, created_at, last_modified_at, revision`

func scanAction(row pgx.Row) (*Action, error) {
	var a Action
	err := row.Scan(&a.ID, &a.TenantID, &a.ControllerID, &a.DistributionSetID, &a.Type, &a.ForcedTime,
		&a.Status, &a.Active, &a.Superseded, &a.CreatedAt, &a.LastModifiedAt, &a.Revision)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAction(ctx context.Context, tenantID string, actionID int64) (*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1 AND tenant_id = $2`
	a, err := scanAction(s.pool.QueryRow(ctx, query, actionID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("action %d: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) ListActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant_id = $1 AND controller_id = $2 ORDER BY id`
	return s.queryActions(ctx, query, tenantID, controllerID)
}

func (s *PostgresStore) ListActiveActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant_id = $1 AND controller_id = $2 AND active ORDER BY id`
	return s.queryActions(ctx, query, tenantID, controllerID)
}

func (s *PostgresStore) queryActions(ctx context.Context, query string, args ...interface{}) ([]*Action, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]*Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *PostgresStore) ListActionStatuses(ctx context.Context, tenantID string, actionID int64) ([]*ActionStatus, error) {
	if _, err := s.GetAction(ctx, tenantID, actionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, status, occurred_at, messages FROM action_status
		WHERE action_id = $1 ORDER BY occurred_at, id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make([]*ActionStatus, 0)
	for rows.Next() {
		var st ActionStatus
		if err := rows.Scan(&st.ID, &st.ActionID, &st.Status, &st.OccurredAt, &st.Messages); err != nil {
			return nil, err
		}
		statuses = append(statuses, &st)
	}
	return statuses, rows.Err()
}

func (s *PostgresStore) CountActionStatuses(ctx context.Context, tenantID string, actionIDs []int64) (map[int64]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, COUNT(st.id) FROM actions a LEFT JOIN action_status st ON st.action_id = a.id
		WHERE a.tenant_id = $1 AND a.id = ANY($2) GROUP BY a.id`, tenantID, actionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int, len(actionIDs))
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) AddActionStatus(ctx context.Context, tenantID string, st *ActionStatus) error {
	occurred := st.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	messages := st.Messages
	if messages == nil {
		messages = []string{}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO action_status (action_id, status, occurred_at, messages)
		SELECT id, $3, $4, $5 FROM actions WHERE id = $1 AND tenant_id = $2
		RETURNING id`, st.ActionID, tenantID, st.Status, occurred, messages).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("action %d: %w", st.ActionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	st.ID = id
	st.OccurredAt = occurred
	return nil
}

type actionResult struct {
	action         *Action
	id, revision   int64
	created, moved time.Time
	statusIDs      []int64
	statusTimes    []time.Time
}

// ApplyTargetChange runs the whole change in one transaction. Generated IDs and
// bumped revisions are copied into the change only after commit.
func (s *PostgresStore) ApplyTargetChange(ctx context.Context, tenantID string, change *TargetChange) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if g := change.Guard; g != nil {
		var revision int64
		err := tx.QueryRow(ctx,
			`SELECT revision FROM distribution_sets WHERE id = $1 AND tenant_id = $2 FOR SHARE`, g.ID, tenantID).Scan(&revision)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("distribution set %d: %w", g.ID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if revision != g.Revision {
			return ErrConflict
		}
	}

	results := make([]actionResult, 0, len(change.Actions))
	for _, w := range change.Actions {
		res, err := writeAction(ctx, tx, tenantID, w)
		if err != nil {
			return err
		}
		results = append(results, res)
	}

	var targetRevision int64
	var targetUpdated time.Time
	var activeActionID *int64
	if t := change.Target; t != nil {
		activeActionID = t.ActiveActionID
		if change.CurrentAction != nil {
			for _, res := range results {
				if res.action == change.CurrentAction {
					activeActionID = ID(res.id)
				}
			}
		}
		err := tx.QueryRow(ctx, `
			UPDATE targets SET update_status = $3, assigned_ds_id = $4, installed_ds_id = $5, installed_at = $6,
				active_action_id = $7, updated_at = NOW(), revision = revision + 1
			WHERE tenant_id = $1 AND controller_id = $2 AND revision = $8
			RETURNING revision, updated_at`,
			tenantID, t.ControllerID, t.UpdateStatus, t.AssignedDistributionSetID, t.InstalledDistributionSetID,
			t.InstalledAt, activeActionID, t.Revision,
		).Scan(&targetRevision, &targetUpdated)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.targetMissOrConflict(ctx, tenantID, t.ControllerID)
		}
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for i, res := range results {
		a := res.action
		a.TenantID = tenantID
		if a.ID == 0 {
			a.CreatedAt = res.created
		}
		a.ID, a.Revision, a.LastModifiedAt = res.id, res.revision, res.moved
		for j, st := range change.Actions[i].Statuses {
			st.ID, st.ActionID, st.OccurredAt = res.statusIDs[j], res.id, res.statusTimes[j]
		}
	}
	if t := change.Target; t != nil {
		t.ActiveActionID = activeActionID
		t.Revision = targetRevision
		t.UpdatedAt = targetUpdated
	}
	return nil
}

func writeAction(ctx context.Context, tx pgx.Tx, tenantID string, w ActionWrite) (actionResult, error) {
	a := w.Action
	res := actionResult{action: a}
	if w.HistoryOnly && a.ID != 0 {
		err := tx.QueryRow(ctx,
			`SELECT id, revision, last_modified_at FROM actions WHERE id = $1 AND tenant_id = $2`, a.ID, tenantID,
		).Scan(&res.id, &res.revision, &res.moved)
		if errors.Is(err, pgx.ErrNoRows) {
			return res, fmt.Errorf("action %d: %w", a.ID, ErrNotFound)
		}
		if err != nil {
			return res, err
		}
	} else if a.ID == 0 {
		err := tx.QueryRow(ctx, `
			INSERT INTO actions (tenant_id, controller_id, distribution_set_id, action_type, forced_time, status, active, superseded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, revision, created_at, last_modified_at`,
			tenantID, a.ControllerID, a.DistributionSetID, a.Type, a.ForcedTime, a.Status, a.Active, a.Superseded,
		).Scan(&res.id, &res.revision, &res.created, &res.moved)
		if err != nil {
			return res, mapPgError(err, fmt.Sprintf("action for target %q", a.ControllerID))
		}
	} else {
		err := tx.QueryRow(ctx, `
			UPDATE actions SET action_type = $3, forced_time = $4, status = $5, active = $6, superseded = $7,
				last_modified_at = NOW(), revision = revision + 1
			WHERE id = $1 AND tenant_id = $2 AND revision = $8
			RETURNING id, revision, last_modified_at`,
			a.ID, tenantID, a.Type, a.ForcedTime, a.Status, a.Active, a.Superseded, a.Revision,
		).Scan(&res.id, &res.revision, &res.moved)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM actions WHERE id = $1 AND tenant_id = $2)`, a.ID, tenantID).Scan(&exists); err != nil {
				return res, err
			}
			if !exists {
				return res, fmt.Errorf("action %d: %w", a.ID, ErrNotFound)
			}
			return res, ErrConflict
		}
		if err != nil {
			return res, err
		}
	}

	for _, st := range w.Statuses {
		occurred := st.OccurredAt
		if occurred.IsZero() {
			occurred = time.Now()
		}
		messages := st.Messages
		if messages == nil {
			messages = []string{}
		}
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO action_status (action_id, status, occurred_at, messages) VALUES ($1, $2, $3, $4) RETURNING id`,
			res.id, st.Status, occurred, messages).Scan(&id)
		if err != nil {
			return res, err
		}
		res.statusIDs = append(res.statusIDs, id)
		res.statusTimes = append(res.statusTimes, occurred)
	}
	return res, nil
}
