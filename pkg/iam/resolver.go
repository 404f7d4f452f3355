package iam

// This file is the resolution engine proper: pure functions over data the
// service has already fetched. No I/O, no errors for "no access".

// ResolveViewAccess combines per-role view states into a final decision.
// roleStates carries one state per role the user holds in the company; a
// role with no stored row for the view must be passed as StateInherit.
// moduleEnabled is whether the view's owning module is enabled for the
// company.
//
// Each role resolves independently: allow stays allow, deny stays deny,
// inherit resolves to the module enablement. The final decision is allow
// if at least one role resolves to allow; the most permissive role wins.
// No roles means deny, the safe default, never an error.
func ResolveViewAccess(roleStates []ViewState, moduleEnabled bool) bool {
	for _, state := range roleStates {
		switch state {
		case StateAllow:
			return true
		case StateInherit:
			if moduleEnabled {
				return true
			}
		}
	}
	return false
}

// ResolveFeatureAction combines per-role feature grants into a final
// decision. grants carries the stored rows across the user's roles in the
// company for one (feature, action) pair; a role with no row contributes
// nothing: absence means deny, and feature actions have no inherit state.
//
// The decision is allow if any grant carries value true. Scope never
// gates the boolean; it rides along for the caller's row-level filtering,
// and when several roles allow with different scopes the widest one wins.
func ResolveFeatureAction(grants []FeaturePermission) FeatureDecision {
	var decision FeatureDecision
	for _, grant := range grants {
		if !grant.Allowed {
			continue
		}
		if !decision.Allowed || scopeRank(grant.Scope) > scopeRank(decision.Scope) {
			decision.Allowed = true
			decision.Scope = grant.Scope
		}
	}
	return decision
}

// rolesInCompany filters a user's global role set down to one tenant.
// Roles from other companies are invisible to the check.
func rolesInCompany(levels []UserLevel, companyID int64) []UserLevel {
	var scoped []UserLevel
	for _, level := range levels {
		if level.CompanyID == companyID {
			scoped = append(scoped, level)
		}
	}
	return scoped
}

// viewStatesForRoles extracts each role's state for one view from the
// fetched permission rows, defaulting to inherit where no row exists.
func viewStatesForRoles(roles []UserLevel, permsByLevel map[int64][]ViewPermission, viewID int64) []ViewState {
	states := make([]ViewState, 0, len(roles))
	for _, role := range roles {
		state := StateInherit
		for _, perm := range permsByLevel[role.ID] {
			if perm.ViewID == viewID {
				state = perm.State
				break
			}
		}
		states = append(states, state)
	}
	return states
}

// featureGrantsForRoles extracts the stored rows for one (feature, action)
// pair across the user's roles. Roles without a row are skipped.
func featureGrantsForRoles(roles []UserLevel, permsByLevel map[int64][]FeaturePermission, featureID int64, action string) []FeaturePermission {
	var grants []FeaturePermission
	for _, role := range roles {
		for _, perm := range permsByLevel[role.ID] {
			if perm.FeatureID == featureID && perm.Action == action {
				grants = append(grants, perm)
				break
			}
		}
	}
	return grants
}
