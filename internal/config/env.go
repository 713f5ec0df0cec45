package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Launch environment variables set by the parallelmc launcher.
const (
	EnvRank = "PARALLELMC_RANK"
	EnvSize = "PARALLELMC_SIZE"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// launchEnv lists every place a launcher may have put this process's rank
// and group size, in order of preference.
type launchEnv struct {
	Rank *int `env:"PARALLELMC_RANK"`
	Size *int `env:"PARALLELMC_SIZE"`

	OMPIRank *int `env:"OMPI_COMM_WORLD_RANK"`
	OMPISize *int `env:"OMPI_COMM_WORLD_SIZE"`

	PMIRank *int `env:"PMI_RANK"`
	PMISize *int `env:"PMI_SIZE"`
}

// Launch is this process's place in the group as handed down by whatever
// started it.
type Launch struct {
	Rank int
	Size int
	// Source names the variable pair the values came from, or "default"
	// when the process was started on its own.
	Source string
}

// ParseLaunchEnv reads rank and size from the environment. PARALLELMC_* wins
// over the Open MPI and PMI variables. A process started without any of them
// is rank 0 of a group of one.
func ParseLaunchEnv() (Launch, error) {
	var e launchEnv
	if err := ParseEnv(&e); err != nil {
		return Launch{}, err
	}

	pairs := []struct {
		source     string
		rank, size *int
	}{
		{"PARALLELMC", e.Rank, e.Size},
		{"OMPI_COMM_WORLD", e.OMPIRank, e.OMPISize},
		{"PMI", e.PMIRank, e.PMISize},
	}
	for _, p := range pairs {
		if p.rank == nil && p.size == nil {
			continue
		}
		if p.rank == nil || p.size == nil {
			return Launch{}, fmt.Errorf("parse env: %s rank and size must be set together", p.source)
		}
		l := Launch{Rank: *p.rank, Size: *p.size, Source: p.source}
		if l.Size < 1 || l.Rank < 0 || l.Rank >= l.Size {
			return Launch{}, fmt.Errorf("parse env: %s rank %d is not within a group of %d", p.source, l.Rank, l.Size)
		}
		return l, nil
	}
	return Launch{Rank: 0, Size: 1, Source: "default"}, nil
}
