package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dalston-ai/dalston/pkg/models"
)

func liveEngine(id string, stage models.Stage, now time.Time) *models.EngineRegistration {
	return &models.EngineRegistration{
		EngineID:      id,
		Stage:         stage,
		QueueName:     "queue:" + id,
		Status:        models.EngineStatusIdle,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

func TestBuildBindingsIndexesTranscribeModels(t *testing.T) {
	now := time.Now()
	whisper := liveEngine("faster-whisper", models.StageTranscribe, now)
	whisper.Models = []string{"base", "large-v3"}
	parakeet := liveEngine("parakeet", models.StageTranscribe, now)
	parakeet.Models = []string{"parakeet-0.6b"}
	parakeet.NativeWordTimestamps = true
	prep := liveEngine("audio-prep", models.StagePrepare, now)
	prep.Models = []string{"base"} // non-transcribe declarations are ignored

	bindings := buildBindings([]*models.EngineRegistration{whisper, parakeet, prep})

	assert.Equal(t, ModelBinding{Runtime: "faster-whisper", RuntimeModelID: "base"}, bindings["base"])
	assert.Equal(t, ModelBinding{Runtime: "faster-whisper", RuntimeModelID: "large-v3"}, bindings["large-v3"])
	assert.Equal(t, ModelBinding{
		Runtime:              "parakeet",
		RuntimeModelID:       "parakeet-0.6b",
		NativeWordTimestamps: true,
	}, bindings["parakeet-0.6b"])
}

func TestBuildBindingsFirstDeclarationWins(t *testing.T) {
	now := time.Now()
	first := liveEngine("whisper-a", models.StageTranscribe, now)
	first.Models = []string{"base"}
	second := liveEngine("whisper-b", models.StageTranscribe, now)
	second.Models = []string{"base"}

	bindings := buildBindings([]*models.EngineRegistration{first, second})
	assert.Equal(t, "whisper-a", bindings["base"].Runtime)
}

func TestBuildStageIndexSkipsUnavailable(t *testing.T) {
	now := time.Now()
	stale := liveEngine("pyannote-old", models.StageDiarize, now.Add(-2*models.HeartbeatTTL))
	offline := liveEngine("pyannote-off", models.StageDiarize, now)
	offline.Status = models.EngineStatusOffline
	live := liveEngine("pyannote-diarize", models.StageDiarize, now)

	byStage := buildStageIndex([]*models.EngineRegistration{stale, offline, live}, now)
	assert.Equal(t, "pyannote-diarize", byStage[models.StageDiarize])
	assert.Len(t, byStage, 1)
}

func TestDefaultBindingsCoverAliases(t *testing.T) {
	for _, alias := range []string{"default", "fast", "accurate", "parakeet-0.6b"} {
		binding, ok := defaultBindings[alias]
		assert.True(t, ok, alias)
		assert.NotEmpty(t, binding.Runtime, alias)
		assert.NotEmpty(t, binding.RuntimeModelID, alias)
	}
	assert.True(t, defaultBindings["parakeet-0.6b"].NativeWordTimestamps)
}
