package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var envBraces = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default}; a bare $ is kept,
// which OPC UA string node ids may contain.
func expandEnvBraces(s string) string {
	return envBraces.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraces.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
}

// Seed is the initial data loaded into an empty store.
type Seed struct {
	Connections []domain.ConnectionProfile    `yaml:"connections"`
	People      []domain.Person               `yaml:"people"`
	Tags        []SeedTag                     `yaml:"tags"`
	Settings    []domain.SubscriptionSettings `yaml:"settings"`
}

// SeedTag is a tag whose responsible person is referenced by name.
type SeedTag struct {
	domain.Tag `yaml:",inline"`
	Person     string `yaml:"person,omitempty"`
}

// LoadSeed reads a seed file. An empty path yields an empty seed.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := yaml.Unmarshal([]byte(expandEnvBraces(string(data))), &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i := range seed.Connections {
		seed.Connections[i].Normalize()
		if err := seed.Connections[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed connection %q: %w", seed.Connections[i].Name, err)
		}
	}
	for i := range seed.Settings {
		if err := seed.Settings[i].Validate(); err != nil {
			return nil, fmt.Errorf("seed settings %q: %w", seed.Settings[i].Name, err)
		}
	}
	return &seed, nil
}

// Apply inserts whatever the store does not already hold. Connections are
// matched by name, people by name, tags by node id; settings are only
// seeded into a store without a default.
func (s *Seed) Apply(ctx context.Context, store domain.Store, logger zerolog.Logger) error {
	log := logging.WithComponent(logger, "seed")

	existingConns, err := store.ListConnections(ctx)
	if err != nil {
		return err
	}
	connNames := make(map[string]bool, len(existingConns))
	for _, c := range existingConns {
		connNames[c.Name] = true
	}
	for _, c := range s.Connections {
		if connNames[c.Name] {
			continue
		}
		if _, err := store.CreateConnection(ctx, c); err != nil {
			return fmt.Errorf("seed connection %q: %w", c.Name, err)
		}
		connNames[c.Name] = true
		log.Info().Str("name", c.Name).Str("endpoint", c.Endpoint()).Msg("Seeded connection")
	}

	people, err := store.ListPeople(ctx)
	if err != nil {
		return err
	}
	personIDs := make(map[string]int64, len(people))
	for _, p := range people {
		personIDs[p.Name] = p.ID
	}
	for _, p := range s.People {
		if _, ok := personIDs[p.Name]; ok {
			continue
		}
		created, err := store.CreatePerson(ctx, p)
		if err != nil {
			return fmt.Errorf("seed person %q: %w", p.Name, err)
		}
		personIDs[p.Name] = created.ID
	}

	for _, t := range s.Tags {
		if _, err := store.GetTagByNodeID(ctx, t.NodeID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		tag := t.Tag
		if t.Person != "" {
			id, ok := personIDs[t.Person]
			if !ok {
				return fmt.Errorf("%w: seed tag %q references unknown person %q", domain.ErrValidation, t.NodeID, t.Person)
			}
			tag.PersonID = &id
		}
		if _, err := store.CreateTag(ctx, tag); err != nil {
			return fmt.Errorf("seed tag %q: %w", t.NodeID, err)
		}
		log.Info().Str("node_id", t.NodeID).Bool("subscribed", t.IsSubscribed).Msg("Seeded tag")
	}

	if len(s.Settings) > 0 {
		if _, err := store.GetDefaultSettings(ctx); errors.Is(err, domain.ErrNotFound) {
			for _, st := range s.Settings {
				st.ID = 0
				if _, err := store.SaveSettings(ctx, st); err != nil {
					return fmt.Errorf("seed settings %q: %w", st.Name, err)
				}
			}
		} else if err != nil {
			return err
		}
	}

	return nil
}
