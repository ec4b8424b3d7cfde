package tiger

import (
	"context"

	"github.com/nexi-lab/nexus/db/repository"
)

// ResourceMapDescendantResolver implements DescendantResolver over the
// Resource Map's path-prefix index: a directory's descendants are every
// resource of resourceType whose resource_id is path-prefixed by the
// directory path (spec §4.8's "enumerate descendants under D in batches").
type ResourceMapDescendantResolver struct {
	resourceMap  repository.ResourceMapRepository
	resourceType string
}

// NewResourceMapDescendantResolver constructs a resolver enumerating
// descendants of kind resourceType (the engine's single deployment-wide
// file/object kind under directory grants).
func NewResourceMapDescendantResolver(resourceMap repository.ResourceMapRepository, resourceType string) *ResourceMapDescendantResolver {
	return &ResourceMapDescendantResolver{resourceMap: resourceMap, resourceType: resourceType}
}

// ListDescendants pages through resource map entries under path, ignoring
// zoneID (the resource map is not itself zone-partitioned; callers scope
// directory_path to already include whatever zone-qualifying prefix their
// deployment uses).
func (r *ResourceMapDescendantResolver) ListDescendants(ctx context.Context, zoneID, path, cursor string, limit int) ([][2]string, string, error) {
	return r.resourceMap.ListByPrefix(ctx, r.resourceType, path, cursor, limit)
}
