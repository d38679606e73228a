// Package permissions is the enable/disable matrix over tools and actions.
//
// A tool is active for a user when the user's credential record exists and
// is active. An action is enabled when its tool is active and no
// disabling row exists for it. Deactivating a tool never touches action
// rows, so reactivating restores the previous per-action state.
package permissions
