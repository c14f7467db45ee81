package graph

import "github.com/ternarybob/hubcache/internal/models"

// DefaultSpecification returns the production processing graph: the family
// of derived artifacts maintained for every dataset on the hub, rooted at
// dataset-config-names.
func DefaultSpecification() *Specification {
	return &Specification{
		MinBytesForBonusDifficulty: DefaultMinBytesForBonusDifficulty,
		Steps: map[string]StepSpec{
			"dataset-config-names": {
				InputType:        models.InputTypeDataset,
				JobRunnerVersion: 1,
			},
			"config-parquet-and-info": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"dataset-config-names"},
				JobRunnerVersion: 4,
				Difficulty:       70,
			},
			"config-parquet": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-parquet-and-info"},
				JobRunnerVersion: 6,
			},
			"config-parquet-metadata": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-parquet"},
				JobRunnerVersion: 2,
			},
			"config-info": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-parquet-and-info"},
				JobRunnerVersion: 2,
			},
			"config-size": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-parquet-and-info"},
				JobRunnerVersion: 2,
			},
			"config-split-names-from-info": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-info"},
				JobRunnerVersion: 3,
			},
			"config-split-names-from-streaming": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"dataset-config-names"},
				JobRunnerVersion: 3,
			},
			"dataset-split-names": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"dataset-config-names", "config-split-names-from-info", "config-split-names-from-streaming"},
				JobRunnerVersion: 3,
			},
			"dataset-parquet": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"dataset-config-names", "config-parquet"},
				JobRunnerVersion: 2,
			},
			"dataset-info": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"dataset-config-names", "config-info"},
				JobRunnerVersion: 2,
			},
			"dataset-size": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"dataset-config-names", "config-size"},
				JobRunnerVersion: 2,
			},
			"split-first-rows-from-streaming": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"config-split-names-from-streaming", "config-split-names-from-info"},
				JobRunnerVersion: 4,
				Difficulty:       70,
			},
			"split-first-rows-from-parquet": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"config-parquet-metadata"},
				JobRunnerVersion: 3,
			},
			"split-image-url-columns": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"split-first-rows-from-streaming", "split-first-rows-from-parquet"},
				JobRunnerVersion: 1,
			},
			"split-opt-in-out-urls-scan": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"split-image-url-columns"},
				JobRunnerVersion: 4,
				Difficulty:       70,
			},
			"split-opt-in-out-urls-count": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"split-opt-in-out-urls-scan"},
				JobRunnerVersion: 2,
			},
			"config-opt-in-out-urls-count": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"split-opt-in-out-urls-count", "config-split-names-from-info", "config-split-names-from-streaming"},
				JobRunnerVersion: 3,
			},
			"dataset-opt-in-out-urls-count": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"config-opt-in-out-urls-count", "dataset-config-names"},
				JobRunnerVersion: 2,
			},
			"split-is-valid": {
				InputType:        models.InputTypeSplit,
				TriggeredBy:      []string{"config-size", "split-first-rows-from-parquet", "split-first-rows-from-streaming", "split-duckdb-index"},
				JobRunnerVersion: 2,
			},
			"config-is-valid": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"config-split-names-from-info", "config-split-names-from-streaming", "split-is-valid"},
				JobRunnerVersion: 2,
			},
			"dataset-is-valid": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"config-is-valid", "dataset-config-names"},
				JobRunnerVersion: 5,
			},
			"split-duckdb-index": {
				InputType:                     models.InputTypeSplit,
				TriggeredBy:                   []string{"config-split-names-from-info", "config-split-names-from-streaming", "config-parquet-metadata"},
				JobRunnerVersion:              3,
				Difficulty:                    70,
				BonusDifficultyIfDatasetIsBig: 20,
			},
			"config-duckdb-index-size": {
				InputType:        models.InputTypeConfig,
				TriggeredBy:      []string{"split-duckdb-index"},
				JobRunnerVersion: 1,
			},
			"dataset-duckdb-index-size": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"config-duckdb-index-size"},
				JobRunnerVersion: 1,
			},
			"split-descriptive-statistics": {
				InputType:                     models.InputTypeSplit,
				TriggeredBy:                   []string{"config-split-names-from-info", "config-split-names-from-streaming"},
				JobRunnerVersion:              1,
				Difficulty:                    70,
				BonusDifficultyIfDatasetIsBig: 20,
			},
			"dataset-hub-cache": {
				InputType:        models.InputTypeDataset,
				TriggeredBy:      []string{"dataset-is-valid", "dataset-size"},
				JobRunnerVersion: 1,
			},
		},
	}
}

// Default builds the production processing graph. It panics on error because
// the specification above is static and covered by tests.
func Default() *ProcessingGraph {
	g, err := New(DefaultSpecification())
	if err != nil {
		panic(err)
	}
	return g
}
