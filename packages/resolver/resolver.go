// Package resolver maps the tag and group records attached to one image onto canonical,
// deduplicated rows and links the image to them.
//
// Remote tag identifiers are issued per tag instance and are never used for identity; a tag
// is canonical by its normalized string, a group by its remote group id. Every spelling a
// user typed is kept as a variant of its canonical tag, compared by VariantKey.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"harvester/packages/domain"
	"harvester/packages/metrics"
)

// ErrInvalidGroup is returned for a group without a remote id.
var ErrInvalidGroup = errors.New("group has no remote id")

// Store is the record store seen by the resolver. GetOrCreate methods must be atomic: two
// concurrent calls for the same key return the same id and at most one reports created.
// Link and AddTagVariant are idempotent and report whether a row was inserted.
type Store interface {
	GetOrCreateTag(ctx context.Context, normalized string) (id int64, created bool, err error)
	GetOrCreateGroup(ctx context.Context, group domain.Group) (id int64, created bool, err error)
	LinkTag(ctx context.Context, tagID, imageID int64) (bool, error)
	LinkGroup(ctx context.Context, groupID, imageID int64) (bool, error)
	AddTagVariant(ctx context.Context, variant domain.TagVariant) (bool, error)
}

// Result counts the rows a resolution inserted.
type Result struct {
	TagsCreated     int
	VariantsCreated int
	TagLinks        int
	GroupsCreated   int
	GroupLinks      int
}

// Add accumulates o into r.
func (r *Result) Add(o Result) {
	r.TagsCreated += o.TagsCreated
	r.VariantsCreated += o.VariantsCreated
	r.TagLinks += o.TagLinks
	r.GroupsCreated += o.GroupsCreated
	r.GroupLinks += o.GroupLinks
}

type Resolver struct {
	store Store
}

func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve links img to its canonical tags and groups.
func (r *Resolver) Resolve(ctx context.Context, img domain.EnrichedImage) (Result, error) {
	res, err := r.ResolveTags(ctx, img.Tags, img.ID)
	if err != nil {
		return res, err
	}
	groups, err := r.ResolveGroups(ctx, img.Groups, img.ID)
	res.Add(groups)
	return res, err
}

func (r *Resolver) ResolveTags(ctx context.Context, tags []domain.RawTag, imageID int64) (Result, error) {
	var res Result
	for _, tag := range tags {
		normalized := tag.Normalized
		if normalized == "" {
			normalized = NormalizeTag(tag.Raw)
		}
		if normalized == "" {
			continue
		}

		tagID, created, err := r.store.GetOrCreateTag(ctx, normalized)
		if err != nil {
			return res, fmt.Errorf("resolve tag %q: %w", normalized, err)
		}
		if created {
			res.TagsCreated++
			metrics.CanonicalCreated.WithLabelValues("tag").Inc()
		}

		linked, err := r.store.LinkTag(ctx, tagID, imageID)
		if err != nil {
			return res, fmt.Errorf("link tag %d to image %d: %w", tagID, imageID, err)
		}
		if linked {
			res.TagLinks++
		}

		raw := strings.TrimSpace(tag.Raw)
		if raw == "" {
			continue
		}
		added, err := r.store.AddTagVariant(ctx, domain.TagVariant{TagID: tagID, Raw: raw, Key: VariantKey(raw)})
		if err != nil {
			return res, fmt.Errorf("add variant %q of tag %d: %w", raw, tagID, err)
		}
		if added {
			res.VariantsCreated++
			metrics.CanonicalCreated.WithLabelValues("variant").Inc()
		}
	}
	return res, nil
}

func (r *Resolver) ResolveGroups(ctx context.Context, groups []domain.Group, imageID int64) (Result, error) {
	var res Result
	for _, group := range groups {
		if group.RemoteID == "" {
			return res, fmt.Errorf("resolve group %q: %w", group.Title, ErrInvalidGroup)
		}

		groupID, created, err := r.store.GetOrCreateGroup(ctx, group)
		if err != nil {
			return res, fmt.Errorf("resolve group %s: %w", group.RemoteID, err)
		}
		if created {
			res.GroupsCreated++
			metrics.CanonicalCreated.WithLabelValues("group").Inc()
		}

		linked, err := r.store.LinkGroup(ctx, groupID, imageID)
		if err != nil {
			return res, fmt.Errorf("link group %d to image %d: %w", groupID, imageID, err)
		}
		if linked {
			res.GroupLinks++
		}
	}
	return res, nil
}

// VariantKey folds case and strips diacritics, so "Léon", "LEON" and "leon" share a key.
func VariantKey(raw string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(fold, strings.TrimSpace(raw))
	if err != nil {
		stripped = strings.TrimSpace(raw)
	}
	return cases.Fold().String(stripped)
}

// NormalizeTag derives the remote service's normalized form from a raw tag: lower case,
// letters and digits only. Used when a payload omits the normalized form.
func NormalizeTag(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
