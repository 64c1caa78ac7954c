package identity

import (
	"time"

	"studioops/api/internal/docstore"
)

const (
	PersonnelCollection = "personnel"
	LeadsCollection     = "leads"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusActive    Status = "Active"
	StatusSuspended Status = "Suspended"
)

type PersonnelType string

const (
	TypeInHouse    PersonnelType = "In-house"
	TypeFreelancer PersonnelType = "Freelancer"
)

// Principal is an authenticated identity from the authentication provider.
// Read-only to this package.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
	Anonymous   bool
}

// PersonnelRecord represents a person in the organization. RecordID equals
// the owning principal's id once reconciled; until then it may be a
// provisional id assigned when an administrator pre-provisioned the record.
type PersonnelRecord struct {
	RecordID  string
	Email     string
	Status    Status
	RoleID    string
	FirstName string
	LastName  string
	Thumbnail string
	Type      PersonnelType
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r PersonnelRecord) Data() map[string]any {
	return map[string]any{
		"recordId":  r.RecordID,
		"email":     NormalizeEmail(r.Email),
		"status":    string(r.Status),
		"roleId":    r.RoleID,
		"firstName": r.FirstName,
		"lastName":  r.LastName,
		"thumbnail": r.Thumbnail,
		"type":      string(r.Type),
		"createdAt": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func RecordFromDocument(doc docstore.Document) PersonnelRecord {
	return PersonnelRecord{
		RecordID:  stringField(doc.Data, "recordId", doc.ID),
		Email:     stringField(doc.Data, "email", ""),
		Status:    Status(stringField(doc.Data, "status", string(StatusPending))),
		RoleID:    stringField(doc.Data, "roleId", ""),
		FirstName: stringField(doc.Data, "firstName", ""),
		LastName:  stringField(doc.Data, "lastName", ""),
		Thumbnail: stringField(doc.Data, "thumbnail", ""),
		Type:      PersonnelType(stringField(doc.Data, "type", "")),
		CreatedAt: timeField(doc.Data, "createdAt"),
		UpdatedAt: timeField(doc.Data, "updatedAt"),
	}
}

func stringField(data map[string]any, key, fallback string) string {
	if value, ok := data[key].(string); ok {
		return value
	}
	return fallback
}

func timeField(data map[string]any, key string) time.Time {
	value, ok := data[key].(string)
	if !ok {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
