package identity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/ocx/inference-gateway/internal/core"
)

// Mapper translates directory group ids into project entitlements and
// roles. The directory stays the source of truth; the gateway only holds
// the group → project/role edges.
type Mapper interface {
	Map(ctx context.Context, groups []string) (projects []string, roles []core.Role, err error)
}

// PostgresMapper reads identity.group_mappings.
type PostgresMapper struct {
	db *sql.DB
}

func NewPostgresMapper(db *sql.DB) *PostgresMapper {
	return &PostgresMapper{db: db}
}

func (m *PostgresMapper) Map(ctx context.Context, groups []string) ([]string, []core.Role, error) {
	if len(groups) == 0 {
		return nil, nil, nil
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT role_name, allowed_auc_ids
		FROM identity.group_mappings
		WHERE sso_group_oid = ANY($1)`,
		pq.Array(groups),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query group mappings: %w", err)
	}
	defer rows.Close()

	projectSet := make(map[string]struct{})
	roleSet := make(map[core.Role]struct{})
	for rows.Next() {
		var (
			role   string
			aucIDs []string
		)
		if err := rows.Scan(&role, pq.Array(&aucIDs)); err != nil {
			return nil, nil, fmt.Errorf("scan group mapping: %w", err)
		}
		for _, id := range aucIDs {
			projectSet[id] = struct{}{}
		}
		roleSet[core.Role(role)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate group mappings: %w", err)
	}

	grantBaseline(projectSet, roleSet)
	return flatten(projectSet), flattenRoles(roleSet), nil
}

// MemoryMapper serves fixed mappings for tests and local development.
type MemoryMapper struct {
	// Projects and Roles key on group id.
	Projects map[string][]string
	Roles    map[string][]core.Role
}

func (m *MemoryMapper) Map(_ context.Context, groups []string) ([]string, []core.Role, error) {
	projectSet := make(map[string]struct{})
	roleSet := make(map[core.Role]struct{})
	for _, g := range groups {
		for _, p := range m.Projects[g] {
			projectSet[p] = struct{}{}
		}
		for _, r := range m.Roles[g] {
			roleSet[r] = struct{}{}
		}
	}
	grantBaseline(projectSet, roleSet)
	return flatten(projectSet), flattenRoles(roleSet), nil
}

// grantBaseline gives every principal with at least one matched mapping
// the DEVELOPER role. MANAGER only ever arrives through a mapping;
// unmapped principals keep an empty role set.
func grantBaseline(projects map[string]struct{}, roles map[core.Role]struct{}) {
	if len(projects) > 0 || len(roles) > 0 {
		roles[core.RoleDeveloper] = struct{}{}
	}
}

func flatten(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func flattenRoles(set map[core.Role]struct{}) []core.Role {
	if len(set) == 0 {
		return nil
	}
	out := make([]core.Role, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
