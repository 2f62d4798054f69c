package domain

import "context"

// ConnectionRepository stores OPC UA connection profiles.
type ConnectionRepository interface {
	ListConnections(ctx context.Context) ([]ConnectionProfile, error)
	GetConnection(ctx context.Context, id int64) (ConnectionProfile, error)
	CreateConnection(ctx context.Context, profile ConnectionProfile) (ConnectionProfile, error)
	UpdateConnection(ctx context.Context, profile ConnectionProfile) (ConnectionProfile, error)
	DeleteConnection(ctx context.Context, id int64) error

	// SetActiveConnection marks id active and every other profile inactive.
	// id 0 clears the active flag everywhere.
	SetActiveConnection(ctx context.Context, id int64) error
}

// PersonRepository stores operators.
type PersonRepository interface {
	ListPeople(ctx context.Context) ([]Person, error)
	GetPerson(ctx context.Context, id int64) (Person, error)
	CreatePerson(ctx context.Context, person Person) (Person, error)
	UpdatePerson(ctx context.Context, person Person) (Person, error)
	DeletePerson(ctx context.Context, id int64) error
}

// TagRepository stores monitored points.
type TagRepository interface {
	ListTags(ctx context.Context) ([]Tag, error)
	ListTagsByPerson(ctx context.Context, personID int64) ([]Tag, error)
	ListSubscribedTags(ctx context.Context) ([]Tag, error)
	GetTag(ctx context.Context, id int64) (Tag, error)
	GetTagByNodeID(ctx context.Context, nodeID string) (Tag, error)
	CreateTag(ctx context.Context, tag Tag) (Tag, error)
	CreateTags(ctx context.Context, tags []Tag) ([]Tag, error)
	UpdateTag(ctx context.Context, tag Tag) (Tag, error)
	SetTagSubscribed(ctx context.Context, id int64, subscribed bool) (Tag, error)
	AssignPerson(ctx context.Context, tagID int64, personID *int64) (Tag, error)

	// DeleteTag removes the tag and cascades to its readings.
	DeleteTag(ctx context.Context, id int64) error
}

// ReadingRepository stores immutable samples.
type ReadingRepository interface {
	InsertReading(ctx context.Context, reading Reading) (Reading, error)
	QueryReadings(ctx context.Context, query ReadingQuery) ([]Reading, error)
	LatestReadings(ctx context.Context) ([]Reading, error)
}

// SettingsRepository stores subscription settings. Saving a row with
// IsDefault set clears the flag on every other row; the first row saved
// becomes the default.
type SettingsRepository interface {
	ListSettings(ctx context.Context) ([]SubscriptionSettings, error)
	GetDefaultSettings(ctx context.Context) (SubscriptionSettings, error)
	SaveSettings(ctx context.Context, settings SubscriptionSettings) (SubscriptionSettings, error)
}

// ActivityRepository stores the audit trail.
type ActivityRepository interface {
	AppendActivity(ctx context.Context, action, detail string) error
	RecentActivity(ctx context.Context, limit int) ([]ActivityLog, error)
}

// Store aggregates every persistence port.
type Store interface {
	ConnectionRepository
	PersonRepository
	TagRepository
	ReadingRepository
	SettingsRepository
	ActivityRepository

	Ping(ctx context.Context) error
	Close()
}
