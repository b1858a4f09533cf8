package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIndexFirstOccurrenceOrder(t *testing.T) {
	ix := buildIndex([]Entry{
		{AppKey: "a", Group: "camera", GroupLabel: "Camera"},
		{AppKey: "a", Group: "microphone", GroupLabel: "Microphone"},
		{AppKey: "b", Group: "camera", GroupLabel: "Camera"},
		{AppKey: "b", Group: "location", GroupLabel: "Location"},
	})

	want := []GroupInfo{
		{ID: "camera", Label: "Camera"},
		{ID: "microphone", Label: "Microphone"},
		{ID: "location", Label: "Location"},
	}
	assert.Equal(t, want, ix.Groups())
}

func TestBuildIndexCountsDistinctApps(t *testing.T) {
	ix := buildIndex([]Entry{
		{AppKey: "a", Group: "camera", GroupLabel: "Camera"},
		{AppKey: "a", Group: "camera", GroupLabel: "Camera"},
		{AppKey: "b", Group: "camera", GroupLabel: "Camera"},
		{AppKey: "b", Group: "microphone", GroupLabel: "Microphone"},
	})

	assert.Equal(t, 2, ix.Count("camera"), "duplicate app/group pairs count once")
	assert.Equal(t, 1, ix.Count("microphone"))
	assert.Equal(t, 0, ix.Count("location"))
	assert.Equal(t, 2, ix.Count(""), "any-group counts distinct apps")
}

func TestIndexLookup(t *testing.T) {
	ix := buildIndex([]Entry{
		{AppKey: "a", Group: "camera", GroupLabel: "Camera"},
	})

	gi, ok := ix.Lookup("camera")
	require.True(t, ok)
	assert.Equal(t, GroupInfo{ID: "camera", Label: "Camera"}, gi)

	_, ok = ix.Lookup("location")
	assert.False(t, ok)
}

func TestIndexCountsReturnsCopy(t *testing.T) {
	ix := buildIndex([]Entry{
		{AppKey: "a", Group: "camera", GroupLabel: "Camera"},
	})

	counts := ix.Counts()
	counts["camera"] = 99
	assert.Equal(t, 1, ix.Count("camera"))
}

func TestEmptyIndex(t *testing.T) {
	ix := buildIndex(nil)
	assert.Empty(t, ix.Groups())
	assert.Empty(t, ix.Counts())
	assert.Equal(t, 0, ix.Count(""))
}
