package memory

import (
	"context"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_ConnectionsSingleActive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	a, err := s.CreateConnection(ctx, domain.ConnectionProfile{Name: "A", Host: "10.0.0.1", Port: 4840})
	require.NoError(t, err)
	assert.Equal(t, domain.SecurityPolicyNone, a.SecurityPolicy)
	b, err := s.CreateConnection(ctx, domain.ConnectionProfile{Name: "B", Host: "10.0.0.2", Port: 4840})
	require.NoError(t, err)

	require.NoError(t, s.SetActiveConnection(ctx, a.ID))
	require.NoError(t, s.SetActiveConnection(ctx, b.ID))

	list, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsActive)
	assert.True(t, list[1].IsActive)

	require.NoError(t, s.SetActiveConnection(ctx, 0))
	got, err := s.GetConnection(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.ErrorIs(t, s.SetActiveConnection(ctx, 99), domain.ErrNotFound)
	_, err = s.CreateConnection(ctx, domain.ConnectionProfile{Host: "", Port: 4840})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStore_TagsUniqueNodeID(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tag, err := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=Level", DisplayName: "Level"})
	require.NoError(t, err)

	_, err = s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=Level", DisplayName: "Again"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := s.GetTagByNodeID(ctx, "ns=2;s=Level")
	require.NoError(t, err)
	assert.Equal(t, tag.ID, got.ID)

	_, err = s.GetTagByNodeID(ctx, "ns=2;s=Missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_CreateTagsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.CreateTags(ctx, []domain.Tag{
		{NodeID: "ns=2;s=A", DisplayName: "A"},
		{NodeID: "ns=2;s=A", DisplayName: "A again"},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	assert.Empty(t, tags)

	created, err := s.CreateTags(ctx, []domain.Tag{
		{NodeID: "ns=2;s=A", DisplayName: "A"},
		{NodeID: "ns=2;s=B", DisplayName: "B"},
	})
	require.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestStore_SubscribedAndPeople(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	person, err := s.CreatePerson(ctx, domain.Person{Name: "Ana"})
	require.NoError(t, err)
	a, _ := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=A", DisplayName: "A"})
	b, _ := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=B", DisplayName: "B"})

	_, err = s.SetTagSubscribed(ctx, b.ID, true)
	require.NoError(t, err)
	subscribed, err := s.ListSubscribedTags(ctx)
	require.NoError(t, err)
	require.Len(t, subscribed, 1)
	assert.Equal(t, b.ID, subscribed[0].ID)

	_, err = s.AssignPerson(ctx, a.ID, &person.ID)
	require.NoError(t, err)
	byPerson, err := s.ListTagsByPerson(ctx, person.ID)
	require.NoError(t, err)
	require.Len(t, byPerson, 1)

	missing := int64(404)
	_, err = s.AssignPerson(ctx, a.ID, &missing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.DeletePerson(ctx, person.ID))
	got, _ := s.GetTag(ctx, a.ID)
	assert.Nil(t, got.PersonID)
}

func TestStore_DeleteTagCascadesReadings(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	a, _ := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=A", DisplayName: "A"})
	b, _ := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=B", DisplayName: "B"})
	v := 1.5
	for _, id := range []int64{a.ID, a.ID, b.ID} {
		_, err := s.InsertReading(ctx, domain.Reading{TagID: id, Value: &v, Quality: "Good"})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteTag(ctx, a.ID))

	readings, err := s.QueryReadings(ctx, domain.ReadingQuery{TagID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, readings)

	readings, err = s.QueryReadings(ctx, domain.ReadingQuery{TagID: b.ID})
	require.NoError(t, err)
	assert.Len(t, readings, 1)

	_, err = s.InsertReading(ctx, domain.Reading{TagID: a.ID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_QueryReadings(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tag, _ := s.CreateTag(ctx, domain.Tag{NodeID: "ns=2;s=A", DisplayName: "A"})
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		v := float64(i)
		_, err := s.InsertReading(ctx, domain.Reading{TagID: tag.ID, Value: &v, Quality: "Good", Timestamp: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}

	readings, err := s.QueryReadings(ctx, domain.ReadingQuery{
		TagID: tag.ID,
		From:  base.Add(time.Minute),
		To:    base.Add(3 * time.Minute),
		Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 3.0, *readings[0].Value, "newest first")
	assert.Equal(t, 2.0, *readings[1].Value)

	readings, err = s.QueryReadings(ctx, domain.ReadingQuery{TagID: tag.ID, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, readings)

	_, err = s.QueryReadings(ctx, domain.ReadingQuery{TagID: tag.ID, From: base, To: base.Add(-time.Minute)})
	assert.ErrorIs(t, err, domain.ErrValidation)

	latest, err := s.LatestReadings(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 4.0, *latest[0].Value)
}

func TestStore_SettingsSingleDefault(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.GetDefaultSettings(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	first := domain.DefaultSubscriptionSettings()
	first.IsDefault = false
	first, err = s.SaveSettings(ctx, first)
	require.NoError(t, err)
	assert.True(t, first.IsDefault, "the first row becomes the default")

	fast := domain.SubscriptionSettings{Name: "fast", PublishingInterval: 100 * time.Millisecond, SamplingInterval: 50 * time.Millisecond, QueueSize: 5}
	fast, err = s.SaveSettings(ctx, fast)
	require.NoError(t, err)
	assert.False(t, fast.IsDefault)

	fast.IsDefault = true
	fast, err = s.SaveSettings(ctx, fast)
	require.NoError(t, err)

	all, err := s.ListSettings(ctx)
	require.NoError(t, err)
	defaults := 0
	for _, st := range all {
		if st.IsDefault {
			defaults++
		}
	}
	assert.Equal(t, 1, defaults)

	def, err := s.GetDefaultSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, fast.ID, def.ID)

	def.IsDefault = false
	_, err = s.SaveSettings(ctx, def)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.SaveSettings(ctx, domain.SubscriptionSettings{PublishingInterval: time.Millisecond, QueueSize: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStore_RecentActivity(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.AppendActivity(ctx, domain.ActivityConnect, "one"))
	require.NoError(t, s.AppendActivity(ctx, domain.ActivitySubscribe, "two"))
	require.NoError(t, s.AppendActivity(ctx, domain.ActivityDisconnect, "three"))

	recent, err := s.RecentActivity(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "three", recent[0].Detail)
	assert.Equal(t, "two", recent[1].Detail)

	all, err := s.RecentActivity(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_Close(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Ping(context.Background()))
	s.Close()
	assert.ErrorIs(t, s.Ping(context.Background()), domain.ErrPersistence)
}
