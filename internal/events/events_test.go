package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/digkill/StoryForge/internal/models"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "jobs:abc", Channel("abc"))
}

func TestFromJob(t *testing.T) {
	ev := FromJob(&models.Job{ID: "j1", Status: models.JobStatusFailed, Progress: 40, Error: "boom"})
	assert.Equal(t, JobEvent{JobID: "j1", Status: models.JobStatusFailed, Progress: 40, Error: "boom"}, ev)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	assert.Nil(t, NewBus(nil, nil))
	assert.NotPanics(t, func() { b.Publish(context.Background(), JobEvent{JobID: "j1"}) })
	err := b.Subscribe(context.Background(), "j1", func(JobEvent) bool { return true })
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewRedisClientDisabled(t *testing.T) {
	client, err := NewRedisClient(context.Background(), "", "", 0)
	assert.NoError(t, err)
	assert.Nil(t, client)
}
