package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/atsume/internal/model"
)

func rss() model.ArenaDescriptor {
	return model.ArenaDescriptor{
		PlatformName:        "rss_feeds",
		ArenaName:           ArenaNewsMedia,
		RequiredArguments:   termArgs(),
		SupportsHealthCheck: true,
		CreditCost:          1,
	}
}

func TestRegisterAndGet(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(rss()))
	reg := b.Build()

	got, err := reg.Get("rss_feeds")
	require.NoError(t, err)
	assert.Equal(t, ArenaNewsMedia, got.ArenaName)
	assert.Len(t, got.RequiredArguments, 3)
}

func TestGetUnknown(t *testing.T) {
	reg := NewBuilder().Build()
	_, err := reg.Get("myspace")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterDuplicate(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(rss()))
	err := b.Register(rss())
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
}

func TestRegisterAfterBuild(t *testing.T) {
	b := NewBuilder()
	b.Build()
	assert.ErrorIs(t, b.Register(rss()), ErrSealed)
}

func TestRegisterInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.ArenaDescriptor)
	}{
		{"empty platform", func(d *model.ArenaDescriptor) { d.PlatformName = "" }},
		{"empty arena", func(d *model.ArenaDescriptor) { d.ArenaName = "" }},
		{"zero cost", func(d *model.ArenaDescriptor) { d.CreditCost = 0 }},
		{"duplicate argument", func(d *model.ArenaDescriptor) {
			d.RequiredArguments = append(d.RequiredArguments, argTerms)
		}},
		{"unknown type", func(d *model.ArenaDescriptor) {
			d.RequiredArguments = append(d.RequiredArguments, model.ArgumentSpec{Name: "x", Type: "float"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := rss()
			tt.mutate(&d)
			assert.ErrorIs(t, NewBuilder().Register(d), ErrInvalidDescriptor)
		})
	}
}

func TestDescriptorsAreCopies(t *testing.T) {
	reg, err := New(rss())
	require.NoError(t, err)

	d, _ := reg.Get("rss_feeds")
	d.RequiredArguments[0].Name = "mutated"

	again, _ := reg.Get("rss_feeds")
	assert.Equal(t, model.ArgQueryDesignID, again.RequiredArguments[0].Name)
}

func TestListByArenaName(t *testing.T) {
	reg, err := NewDefault()
	require.NoError(t, err)

	google := reg.ListByArenaName(ArenaGoogleSearch)
	require.Len(t, google, 2)
	assert.Equal(t, "google_autocomplete", google[0].PlatformName)
	assert.Equal(t, "google_search", google[1].PlatformName)

	assert.Empty(t, reg.ListByArenaName("carrier_pigeon"))
	assert.Contains(t, reg.ArenaNames(), ArenaSocialMedia)
}

func TestListAllSorted(t *testing.T) {
	reg, err := NewDefault()
	require.NoError(t, err)

	all := reg.ListAll()
	assert.GreaterOrEqual(t, len(all), 25)
	assert.Equal(t, len(all), reg.Len())
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].PlatformName, all[i].PlatformName)
	}
}

func TestCanonicalTaskID(t *testing.T) {
	reg, err := NewDefault()
	require.NoError(t, err)

	id, err := reg.CanonicalTaskID("rss_feeds", TaskHealthCheck)
	require.NoError(t, err)
	assert.Equal(t, TaskID("atsume.arenas.rss_feeds.tasks.health_check"), id)

	id, err = reg.CanonicalTaskID("rss_feeds", TaskCollect)
	require.NoError(t, err)
	assert.Equal(t, TaskID("atsume.arenas.rss_feeds.tasks.collect"), id)

	_, err = reg.CanonicalTaskID("nope", TaskCollect)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.CanonicalTaskID("url_scraper", TaskHealthCheck)
	assert.ErrorIs(t, err, ErrUnsupportedTaskKind)

	_, err = reg.CanonicalTaskID("rss_feeds", TaskKind("delete_everything"))
	assert.ErrorIs(t, err, ErrUnsupportedTaskKind)
}

func TestCanonicalTaskIDUniqueAcrossCatalog(t *testing.T) {
	reg, err := NewDefault()
	require.NoError(t, err)

	seen := make(map[TaskID]string)
	for _, d := range reg.ListAll() {
		for _, kind := range []TaskKind{TaskCollect, TaskHealthCheck} {
			id, err := reg.CanonicalTaskID(d.PlatformName, kind)
			if kind == TaskHealthCheck && !d.SupportsHealthCheck {
				assert.ErrorIs(t, err, ErrUnsupportedTaskKind)
				continue
			}
			require.NoError(t, err)
			assert.True(t, strings.Contains(string(id), d.PlatformName))
			prev, dup := seen[id]
			assert.False(t, dup, "task id %s shared by %s and %s", id, prev, d.PlatformName)
			seen[id] = d.PlatformName
		}
	}
}

func TestDefaultCatalogHasStubs(t *testing.T) {
	reg, err := NewDefault()
	require.NoError(t, err)

	var stubs int
	for _, d := range reg.ListAll() {
		if d.IsStub {
			stubs++
		}
	}
	assert.Positive(t, stubs)
}
