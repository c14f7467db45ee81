package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestArtifactID(t *testing.T) {
	assert.Equal(t, "dataset-config-names,ds,rev1",
		ArtifactID("dataset-config-names", "ds", "rev1", nil, nil))
	assert.Equal(t, "config-size,ds,rev1,config1",
		ArtifactID("config-size", "ds", "rev1", strPtr("config1"), nil))
	assert.Equal(t, "split-first-rows,ds,rev1,config1,train",
		ArtifactID("split-first-rows", "ds", "rev1", strPtr("config1"), strPtr("train")))

	// A split without a config is dropped.
	assert.Equal(t, "config-size,ds,rev1",
		ArtifactID("config-size", "ds", "rev1", nil, strPtr("train")))
}

func TestParseArtifactIDRoundTrip(t *testing.T) {
	for _, id := range []string{
		"dataset-config-names,ds,rev1",
		"config-size,ds,rev1,config1",
		"split-first-rows,ds,rev1,config1,train",
	} {
		artifact, err := ParseArtifactID(id)
		require.NoError(t, err)
		assert.Equal(t, id, artifact.ID())
	}
}

func TestParseArtifactIDErrors(t *testing.T) {
	for _, id := range []string{
		"",
		"kind",
		"kind,ds",
		"kind,ds,rev,config,split,extra",
		"kind,,rev",
		"kind,ds,rev,,train",
	} {
		_, err := ParseArtifactID(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityLow.Rank(), Priority("unknown").Rank())
}

func TestInputTypeRank(t *testing.T) {
	assert.Greater(t, InputTypeSplit.Rank(), InputTypeConfig.Rank())
	assert.Greater(t, InputTypeConfig.Rank(), InputTypeDataset.Rank())
}

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	assert.Contains(t, id, "job_")
	assert.NotEqual(t, id, NewJobID())
}

func TestPendingJobInfo(t *testing.T) {
	pending := PendingJob{
		JobID:      "job_1",
		Type:       "split-first-rows",
		Dataset:    "ds",
		Revision:   "rev1",
		Config:     strPtr("config1"),
		Split:      strPtr("train"),
		Priority:   PriorityHigh,
		Difficulty: 70,
	}
	info := pending.Info()
	assert.Equal(t, "job_1", info.JobID)
	assert.Equal(t, "split-first-rows", info.Type)
	assert.Equal(t, "ds", info.Params.Dataset)
	assert.Equal(t, "rev1", info.Params.Revision)
	assert.Equal(t, "config1", *info.Params.Config)
	assert.Equal(t, "train", *info.Params.Split)
	assert.Equal(t, PriorityHigh, info.Priority)
	assert.Equal(t, 70, info.Difficulty)
}
