// Package access centralizes the visibility and edit rules for documents.
// The listing pipeline, the HTTP layer, and tests all evaluate the same
// predicate instead of filtering ad hoc at call sites.
package access

import (
	"studyhall/api/internal/roles"
	"studyhall/api/internal/store"
)

// Viewer identifies who is asking.
type Viewer struct {
	UserID   string
	Role     roles.Role
	SchoolID string
}

// CanSee is the role-scoped listing predicate, evaluated in rule order with
// first match winning:
//  1. platform admins, and school admins for documents in their school
//  2. the owner
//  3. anyone the document is shared with
//  4. internal documents, for any authenticated user of the same school
//
// Public documents do NOT qualify here: the public link is its own
// retrieval path (PublicVisible) and never leaks into role-scoped listings.
func CanSee(doc store.Document, viewer Viewer) bool {
	if viewer.Role == roles.RolePlatformAdmin {
		return true
	}
	if viewer.Role == roles.RoleSchoolAdmin && doc.SchoolID != "" && doc.SchoolID == viewer.SchoolID {
		return true
	}
	if doc.OwnerID == viewer.UserID {
		return true
	}
	if _, ok := doc.SharedPermissions[viewer.UserID]; ok {
		return true
	}
	if sharedWith(doc, viewer.UserID) {
		return true
	}
	if doc.Visibility == "internal" && viewer.UserID != "" && doc.SchoolID != "" && doc.SchoolID == viewer.SchoolID {
		return true
	}
	return false
}

// PublicVisible reports whether a document resolves on the unauthenticated
// public-link path.
func PublicVisible(doc store.Document) bool {
	return doc.Visibility == "public" && doc.PublicToken != ""
}

// Level returns the strongest share-permission the viewer holds on the
// document, or "" when the viewer cannot see it at all.
func Level(doc store.Document, viewer Viewer) roles.Permission {
	if doc.OwnerID == viewer.UserID {
		return roles.PermissionEdit
	}
	if viewer.Role == roles.RolePlatformAdmin {
		return roles.PermissionEdit
	}
	if viewer.Role == roles.RoleSchoolAdmin && doc.SchoolID != "" && doc.SchoolID == viewer.SchoolID {
		return roles.PermissionEdit
	}
	if permission, ok := doc.SharedPermissions[viewer.UserID]; ok {
		return roles.NormalizePermission(permission)
	}
	if sharedWith(doc, viewer.UserID) {
		return roles.PermissionView
	}
	if CanSee(doc, viewer) {
		return roles.PermissionView
	}
	return ""
}

func CanEdit(doc store.Document, viewer Viewer) bool {
	return roles.Can(Level(doc, viewer), roles.ActionWrite)
}

func CanComment(doc store.Document, viewer Viewer) bool {
	return roles.Can(Level(doc, viewer), roles.ActionComment)
}

// FilterVisible keeps the store's ordering: it filters, it never re-sorts.
func FilterVisible(docs []store.Document, viewer Viewer) []store.Document {
	visible := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if CanSee(doc, viewer) {
			visible = append(visible, doc)
		}
	}
	return visible
}

func sharedWith(doc store.Document, userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range doc.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}
