package users

import (
	"fmt"
	"time"
)

// Document field names used by the canonical collection.
const (
	FieldUID        = "uid"
	FieldEmail      = "email"
	FieldRole       = "role"
	FieldPhone      = "phone"
	FieldPhotoURL   = "photoUrl"
	FieldName       = "name"
	FieldRestoredAt = "restoredAt"
	FieldCreatedAt  = "createdAt"
)

// ProfileFromDocument reads a canonical record. id is the document key and
// wins over any uid field. An unrecognised role is kept as RoleUnknown.
func ProfileFromDocument(id string, doc map[string]any) Profile {
	p := Profile{
		ID:       id,
		Email:    stringField(doc, FieldEmail),
		Phone:    stringField(doc, FieldPhone),
		PhotoURL: stringField(doc, FieldPhotoURL),
		Name:     stringField(doc, FieldName),
	}
	p.Role, _ = ParseRole(stringField(doc, FieldRole))
	p.RestoredAt = timeField(doc, FieldRestoredAt)
	p.CreatedAt = timeField(doc, FieldCreatedAt)
	return p
}

// Document renders the profile as a partial document suitable for a merge
// write. Empty optional fields are omitted so they never clear stored values.
func (p Profile) Document() map[string]any {
	doc := map[string]any{
		FieldUID:  p.ID,
		FieldRole: string(p.Role),
	}
	setIfNotEmpty(doc, FieldEmail, p.Email)
	setIfNotEmpty(doc, FieldPhone, p.Phone)
	setIfNotEmpty(doc, FieldPhotoURL, p.PhotoURL)
	setIfNotEmpty(doc, FieldName, p.Name)
	if p.RestoredAt != nil {
		doc[FieldRestoredAt] = p.RestoredAt.UTC().Format(time.RFC3339)
	}
	if p.CreatedAt != nil {
		doc[FieldCreatedAt] = p.CreatedAt.UTC().Format(time.RFC3339)
	}
	return doc
}

func setIfNotEmpty(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

func stringField(doc map[string]any, key string) string {
	switch v := doc[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func timeField(doc map[string]any, key string) *time.Time {
	switch v := doc[key].(type) {
	case time.Time:
		return &v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil
		}
		return &t
	default:
		return nil
	}
}
