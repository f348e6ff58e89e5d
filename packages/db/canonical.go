package db

import (
	"context"
	"fmt"

	"harvester/packages/domain"
)

// Get-or-create runs as one upsert; xmax is 0 only on a row this statement inserted.
const (
	upsertTagSQL = `INSERT INTO tags (normalized) VALUES ($1)
ON CONFLICT (normalized) DO UPDATE SET normalized = EXCLUDED.normalized
RETURNING id, (xmax = 0)`

	upsertGroupSQL = `INSERT INTO groups (remote_id, title) VALUES ($1, $2)
ON CONFLICT (remote_id) DO UPDATE SET title = COALESCE(NULLIF(EXCLUDED.title, ''), groups.title)
RETURNING id, (xmax = 0)`

	linkTagSQL    = `INSERT INTO image_tags (tag_id, image_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	linkGroupSQL  = `INSERT INTO image_groups (group_id, image_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	addVariantSQL = `INSERT INTO tag_variants (tag_id, variant, variant_key) VALUES ($1, $2, $3)
ON CONFLICT (tag_id, variant_key) DO NOTHING`
)

func (s *Storage) GetOrCreateTag(ctx context.Context, normalized string) (int64, bool, error) {
	defer observe("get_or_create_tag")()

	var id int64
	var created bool
	if err := s.DB.QueryRow(ctx, upsertTagSQL, normalized).Scan(&id, &created); err != nil {
		return 0, false, fmt.Errorf("upsert tag: %w", err)
	}
	return id, created, nil
}

func (s *Storage) GetOrCreateGroup(ctx context.Context, group domain.Group) (int64, bool, error) {
	defer observe("get_or_create_group")()

	var id int64
	var created bool
	if err := s.DB.QueryRow(ctx, upsertGroupSQL, group.RemoteID, group.Title).Scan(&id, &created); err != nil {
		return 0, false, fmt.Errorf("upsert group: %w", err)
	}
	return id, created, nil
}

func (s *Storage) LinkTag(ctx context.Context, tagID, imageID int64) (bool, error) {
	return s.insertIgnoring(ctx, "link_tag", linkTagSQL, tagID, imageID)
}

func (s *Storage) LinkGroup(ctx context.Context, groupID, imageID int64) (bool, error) {
	return s.insertIgnoring(ctx, "link_group", linkGroupSQL, groupID, imageID)
}

func (s *Storage) AddTagVariant(ctx context.Context, v domain.TagVariant) (bool, error) {
	return s.insertIgnoring(ctx, "add_tag_variant", addVariantSQL, v.TagID, v.Raw, v.Key)
}

func (s *Storage) insertIgnoring(ctx context.Context, queryName, sql string, args ...any) (bool, error) {
	defer observe(queryName)()

	tag, err := s.DB.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", queryName, err)
	}
	return tag.RowsAffected() == 1, nil
}
