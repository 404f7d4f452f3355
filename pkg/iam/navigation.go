package iam

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MenuFeatureAction is the action consulted when a menu item is gated on
// a feature. Features that declare no Read action never surface their
// menu items, consistent with deny-by-absence.
const MenuFeatureAction = "Read"

// BuildNavigation renders the user's permission-filtered menu tree for one
// company. Items gated on a view the user cannot open, or on a feature
// whose Read action is not granted, disappear; group items with every
// child filtered out disappear with them. superAdmin bypasses all
// filtering and sees the complete tree.
//
// The rendered projection is cached per (user, company) and drops on the
// same invalidation triggers as permission decisions, so navigation is
// never fresher nor staler than the checks behind it.
func (s *Service) BuildNavigation(ctx context.Context, userID, companyID int64, superAdmin bool) (*Navigation, error) {
	if !superAdmin {
		if payload, err := s.cache.GetNavigation(ctx, userID, companyID); err == nil && payload != nil {
			var nav Navigation
			if err := json.Unmarshal(payload, &nav); err == nil {
				s.cacheHit()
				return &nav, nil
			}
			s.logger.Warn("cached navigation payload was malformed")
		} else if err != nil {
			s.logger.WithError(err).Warn("navigation cache read failed")
		}
		s.cacheMiss()
	}

	items, err := s.store.ListMenuItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list menu items: %w", err)
	}

	visible, err := s.visibleMenuItems(ctx, userID, companyID, superAdmin, items)
	if err != nil {
		return nil, err
	}

	nav := renderNavigation(visible)

	if s.metrics != nil {
		s.metrics.NavigationBuildsTotal.Inc()
	}
	if !superAdmin {
		if payload, err := json.Marshal(nav); err == nil {
			if err := s.cache.SetNavigation(ctx, userID, companyID, payload, s.ttl); err != nil {
				s.logger.WithError(err).Warn("navigation cache write failed")
			}
		}
	}
	return nav, nil
}

// visibleMenuItems filters the raw item list down to what the user may
// see. Permission data is loaded once and reused across items.
func (s *Service) visibleMenuItems(ctx context.Context, userID, companyID int64, superAdmin bool, items []MenuItem) ([]MenuItem, error) {
	if superAdmin {
		return items, nil
	}

	roles, viewPerms, featurePerms, err := s.loadRoleContext(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}

	var visible []MenuItem
	for _, item := range items {
		switch {
		case item.ViewID != nil:
			moduleEnabled, err := s.store.ViewModuleEnabled(ctx, companyID, *item.ViewID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve module enablement: %w", err)
			}
			if ResolveViewAccess(viewStatesForRoles(roles, viewPerms, *item.ViewID), moduleEnabled) {
				visible = append(visible, item)
			}
		case item.FeatureID != nil:
			feature, err := s.store.GetFeature(ctx, *item.FeatureID)
			if err != nil {
				return nil, fmt.Errorf("failed to load feature: %w", err)
			}
			if feature == nil || !feature.Enabled {
				continue
			}
			if ResolveFeatureAction(featureGrantsForRoles(roles, featurePerms, feature.ID, MenuFeatureAction)).Allowed {
				visible = append(visible, item)
			}
		default:
			// Ungated group items survive filtering here; pruning of
			// childless groups happens when the tree is assembled.
			visible = append(visible, item)
		}
	}
	return visible, nil
}

// renderNavigation assembles the filtered items into a tree, prunes empty
// groups, picks the entrypoint, and stamps the content hash
func renderNavigation(items []MenuItem) *Navigation {
	sorted := make([]MenuItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position < sorted[j].Position
	})

	nodes := make(map[int64]*MenuNode, len(sorted))
	for _, item := range sorted {
		nodes[item.ID] = &MenuNode{
			ID:    item.ID,
			Label: item.Label,
			URL:   item.URL,
			Icon:  item.Icon,
		}
	}

	var roots []*MenuNode
	for _, item := range sorted {
		node := nodes[item.ID]
		if item.ParentID != nil {
			if parent, ok := nodes[*item.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
			// Parent was filtered out; the child is orphaned rather than
			// silently promoted to the top level.
			continue
		}
		roots = append(roots, node)
	}

	roots = pruneEmptyGroups(roots)

	// First entrypoint candidate that survived filtering wins, in stored
	// order. Items without a URL cannot be landed on.
	var entrypoint *string
	for _, item := range sorted {
		if !item.IsEntrypoint || item.URL == "" {
			continue
		}
		if _, ok := nodes[item.ID]; ok && reachable(roots, item.ID) {
			url := item.URL
			entrypoint = &url
			break
		}
	}

	nav := &Navigation{Menu: roots, Entrypoint: entrypoint}
	nav.ETag = navigationETag(nav)
	return nav
}

// pruneEmptyGroups removes link-less nodes whose subtree contains no
// landable URL
func pruneEmptyGroups(nodes []*MenuNode) []*MenuNode {
	var kept []*MenuNode
	for _, node := range nodes {
		node.Children = pruneEmptyGroups(node.Children)
		if node.URL == "" && len(node.Children) == 0 {
			continue
		}
		kept = append(kept, node)
	}
	return kept
}

func reachable(nodes []*MenuNode, id int64) bool {
	for _, node := range nodes {
		if node.ID == id || reachable(node.Children, id) {
			return true
		}
	}
	return false
}

// navigationETag hashes the rendered tree and entrypoint, not the inputs,
// so two users with different graphs but identical projections share a tag
func navigationETag(nav *Navigation) string {
	payload, err := json.Marshal(struct {
		Menu       []*MenuNode `json:"menu"`
		Entrypoint *string     `json:"entrypoint"`
	}{nav.Menu, nav.Entrypoint})
	if err != nil {
		// Marshal of these types cannot fail; fall back to a time-based
		// tag so the handler still functions.
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
