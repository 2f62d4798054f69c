// Package memory provides an in-process implementation of the persistence
// port. It backs tests and database-less deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
)

// Store keeps every entity in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	connections map[int64]domain.ConnectionProfile
	people      map[int64]domain.Person
	tags        map[int64]domain.Tag
	tagsByNode  map[string]int64
	readings    []domain.Reading
	settings    map[int64]domain.SubscriptionSettings
	activity    []domain.ActivityLog

	nextID int64
	now    func() time.Time
	closed bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		connections: make(map[int64]domain.ConnectionProfile),
		people:      make(map[int64]domain.Person),
		tags:        make(map[int64]domain.Tag),
		tagsByNode:  make(map[string]int64),
		settings:    make(map[int64]domain.SubscriptionSettings),
		now:         time.Now,
	}
}

var _ domain.Store = (*Store)(nil)

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%w: %s %v", domain.ErrNotFound, kind, id)
}

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: store closed", domain.ErrPersistence)
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ---- connections ----

func (s *Store) ListConnections(ctx context.Context) ([]domain.ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ConnectionProfile, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetConnection(ctx context.Context, id int64) (domain.ConnectionProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[id]
	if !ok {
		return domain.ConnectionProfile{}, notFound("connection", id)
	}
	return c, nil
}

func (s *Store) CreateConnection(ctx context.Context, profile domain.ConnectionProfile) (domain.ConnectionProfile, error) {
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return domain.ConnectionProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	profile.ID = s.id()
	profile.IsActive = false
	profile.CreatedAt = now
	profile.UpdatedAt = now
	s.connections[profile.ID] = profile
	return profile, nil
}

func (s *Store) UpdateConnection(ctx context.Context, profile domain.ConnectionProfile) (domain.ConnectionProfile, error) {
	profile.Normalize()
	if err := profile.Validate(); err != nil {
		return domain.ConnectionProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.connections[profile.ID]
	if !ok {
		return domain.ConnectionProfile{}, notFound("connection", profile.ID)
	}
	profile.IsActive = current.IsActive
	profile.CreatedAt = current.CreatedAt
	profile.UpdatedAt = s.now()
	s.connections[profile.ID] = profile
	return profile, nil
}

func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[id]; !ok {
		return notFound("connection", id)
	}
	delete(s.connections, id)
	return nil
}

func (s *Store) SetActiveConnection(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != 0 {
		if _, ok := s.connections[id]; !ok {
			return notFound("connection", id)
		}
	}
	for cid, c := range s.connections {
		c.IsActive = cid == id
		s.connections[cid] = c
	}
	return nil
}

// ---- people ----

func (s *Store) ListPeople(ctx context.Context) ([]domain.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Person, 0, len(s.people))
	for _, p := range s.people {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPerson(ctx context.Context, id int64) (domain.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.people[id]
	if !ok {
		return domain.Person{}, notFound("person", id)
	}
	return p, nil
}

func (s *Store) CreatePerson(ctx context.Context, person domain.Person) (domain.Person, error) {
	if err := person.Validate(); err != nil {
		return domain.Person{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	person.ID = s.id()
	person.CreatedAt = now
	person.UpdatedAt = now
	s.people[person.ID] = person
	return person, nil
}

func (s *Store) UpdatePerson(ctx context.Context, person domain.Person) (domain.Person, error) {
	if err := person.Validate(); err != nil {
		return domain.Person{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.people[person.ID]
	if !ok {
		return domain.Person{}, notFound("person", person.ID)
	}
	person.CreatedAt = current.CreatedAt
	person.UpdatedAt = s.now()
	s.people[person.ID] = person
	return person, nil
}

// DeletePerson removes the person and unassigns their tags.
func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.people[id]; !ok {
		return notFound("person", id)
	}
	delete(s.people, id)

	for tid, t := range s.tags {
		if t.PersonID != nil && *t.PersonID == id {
			t.PersonID = nil
			s.tags[tid] = t
		}
	}
	return nil
}

// ---- tags ----

func sortedTags(m map[int64]domain.Tag, keep func(domain.Tag) bool) []domain.Tag {
	out := make([]domain.Tag, 0, len(m))
	for _, t := range m {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTags(s.tags, nil), nil
}

func (s *Store) ListTagsByPerson(ctx context.Context, personID int64) ([]domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTags(s.tags, func(t domain.Tag) bool {
		return t.PersonID != nil && *t.PersonID == personID
	}), nil
}

func (s *Store) ListSubscribedTags(ctx context.Context) ([]domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedTags(s.tags, func(t domain.Tag) bool { return t.IsSubscribed }), nil
}

func (s *Store) GetTag(ctx context.Context, id int64) (domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tags[id]
	if !ok {
		return domain.Tag{}, notFound("tag", id)
	}
	return t, nil
}

func (s *Store) GetTagByNodeID(ctx context.Context, nodeID string) (domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tagsByNode[nodeID]
	if !ok {
		return domain.Tag{}, notFound("tag for node", nodeID)
	}
	return s.tags[id], nil
}

func (s *Store) CreateTag(ctx context.Context, tag domain.Tag) (domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTagLocked(tag)
}

func (s *Store) createTagLocked(tag domain.Tag) (domain.Tag, error) {
	tag.NodeID = strings.TrimSpace(tag.NodeID)
	if err := tag.Validate(); err != nil {
		return domain.Tag{}, err
	}
	if _, exists := s.tagsByNode[tag.NodeID]; exists {
		return domain.Tag{}, fmt.Errorf("%w: a tag for node %q already exists", domain.ErrValidation, tag.NodeID)
	}
	if tag.PersonID != nil {
		if _, ok := s.people[*tag.PersonID]; !ok {
			return domain.Tag{}, notFound("person", *tag.PersonID)
		}
	}

	now := s.now()
	tag.ID = s.id()
	tag.CreatedAt = now
	tag.UpdatedAt = now
	s.tags[tag.ID] = tag
	s.tagsByNode[tag.NodeID] = tag.ID
	return tag, nil
}

// CreateTags creates every tag or none.
func (s *Store) CreateTags(ctx context.Context, tags []domain.Tag) ([]domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]domain.Tag, 0, len(tags))
	for _, tag := range tags {
		t, err := s.createTagLocked(tag)
		if err != nil {
			for _, c := range created {
				delete(s.tags, c.ID)
				delete(s.tagsByNode, c.NodeID)
			}
			return nil, err
		}
		created = append(created, t)
	}
	return created, nil
}

func (s *Store) UpdateTag(ctx context.Context, tag domain.Tag) (domain.Tag, error) {
	if err := tag.Validate(); err != nil {
		return domain.Tag{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tags[tag.ID]
	if !ok {
		return domain.Tag{}, notFound("tag", tag.ID)
	}
	if tag.NodeID != current.NodeID {
		if _, exists := s.tagsByNode[tag.NodeID]; exists {
			return domain.Tag{}, fmt.Errorf("%w: a tag for node %q already exists", domain.ErrValidation, tag.NodeID)
		}
		delete(s.tagsByNode, current.NodeID)
		s.tagsByNode[tag.NodeID] = tag.ID
	}
	tag.CreatedAt = current.CreatedAt
	tag.UpdatedAt = s.now()
	s.tags[tag.ID] = tag
	return tag, nil
}

func (s *Store) SetTagSubscribed(ctx context.Context, id int64, subscribed bool) (domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[id]
	if !ok {
		return domain.Tag{}, notFound("tag", id)
	}
	t.IsSubscribed = subscribed
	t.UpdatedAt = s.now()
	s.tags[id] = t
	return t, nil
}

func (s *Store) AssignPerson(ctx context.Context, tagID int64, personID *int64) (domain.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return domain.Tag{}, notFound("tag", tagID)
	}
	if personID != nil {
		if _, ok := s.people[*personID]; !ok {
			return domain.Tag{}, notFound("person", *personID)
		}
		id := *personID
		personID = &id
	}
	t.PersonID = personID
	t.UpdatedAt = s.now()
	s.tags[tagID] = t
	return t, nil
}

func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[id]
	if !ok {
		return notFound("tag", id)
	}
	delete(s.tags, id)
	delete(s.tagsByNode, t.NodeID)

	kept := s.readings[:0]
	for _, r := range s.readings {
		if r.TagID != id {
			kept = append(kept, r)
		}
	}
	s.readings = kept
	return nil
}

// ---- readings ----

func (s *Store) InsertReading(ctx context.Context, reading domain.Reading) (domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.Reading{}, fmt.Errorf("%w: store closed", domain.ErrPersistence)
	}
	if _, ok := s.tags[reading.TagID]; !ok {
		return domain.Reading{}, notFound("tag", reading.TagID)
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = s.now()
	}
	reading.ID = s.id()
	s.readings = append(s.readings, reading)
	return reading, nil
}

// QueryReadings returns the tag's readings newest first.
func (s *Store) QueryReadings(ctx context.Context, query domain.ReadingQuery) ([]domain.Reading, error) {
	if err := query.Normalize(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.Reading
	for _, r := range s.readings {
		if r.TagID == query.TagID && query.Matches(r.Timestamp) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if query.Offset >= len(matched) {
		return []domain.Reading{}, nil
	}
	end := query.Offset + query.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return append([]domain.Reading{}, matched[query.Offset:end]...), nil
}

// LatestReadings returns the newest reading of every tag that has one.
func (s *Store) LatestReadings(ctx context.Context) ([]domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[int64]domain.Reading)
	for _, r := range s.readings {
		if cur, ok := latest[r.TagID]; !ok || !r.Timestamp.Before(cur.Timestamp) {
			latest[r.TagID] = r
		}
	}

	out := make([]domain.Reading, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}

// ---- settings ----

func (s *Store) ListSettings(ctx context.Context) ([]domain.SubscriptionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SubscriptionSettings, 0, len(s.settings))
	for _, st := range s.settings {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDefaultSettings(ctx context.Context) (domain.SubscriptionSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.settings {
		if st.IsDefault {
			return st, nil
		}
	}
	return domain.SubscriptionSettings{}, fmt.Errorf("%w: no default subscription settings", domain.ErrNotFound)
}

// SaveSettings inserts (ID 0) or updates a settings row. The first row saved
// and any row saved with IsDefault become the only default.
func (s *Store) SaveSettings(ctx context.Context, settings domain.SubscriptionSettings) (domain.SubscriptionSettings, error) {
	if err := settings.Validate(); err != nil {
		return domain.SubscriptionSettings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if settings.ID == 0 {
		settings.ID = s.id()
		settings.CreatedAt = now
	} else {
		current, ok := s.settings[settings.ID]
		if !ok {
			return domain.SubscriptionSettings{}, notFound("settings", settings.ID)
		}
		settings.CreatedAt = current.CreatedAt
		if current.IsDefault && !settings.IsDefault {
			return domain.SubscriptionSettings{}, fmt.Errorf("%w: cannot unset the default settings; mark another row default", domain.ErrValidation)
		}
	}
	settings.UpdatedAt = now

	otherDefault := false
	for id, st := range s.settings {
		if id != settings.ID && st.IsDefault {
			otherDefault = true
		}
	}
	if !otherDefault {
		settings.IsDefault = true
	}
	if settings.IsDefault && otherDefault {
		for id, st := range s.settings {
			if id != settings.ID && st.IsDefault {
				st.IsDefault = false
				s.settings[id] = st
			}
		}
	}
	s.settings[settings.ID] = settings
	return settings, nil
}

// ---- activity ----

func (s *Store) AppendActivity(ctx context.Context, action, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activity = append(s.activity, domain.ActivityLog{
		ID:        s.id(),
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	})
	return nil
}

// RecentActivity returns up to limit entries, newest first.
func (s *Store) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.activity) {
		limit = len(s.activity)
	}
	out := make([]domain.ActivityLog, 0, limit)
	for i := len(s.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}
