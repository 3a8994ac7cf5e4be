package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"campushealth/internal/config"
	"campushealth/internal/queue"
)

func TestOpenQueue_MemoryBackendWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q := openQueue(config.App{QueueBackend: "memory"}, nil, zap.New(core))

	assert.IsType(t, &queue.InMemory{}, q)
	entries := logs.FilterMessageSnippet("memory queue backend").All()
	assert.Len(t, entries, 1)
}

func TestOpenQueue_Redis(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q := openQueue(config.App{QueueBackend: "redis", QueueKey: "campushealth:dispatch"}, nil, zap.New(core))

	assert.IsType(t, &queue.RedisQueue{}, q)
	assert.Zero(t, logs.Len())
}
