// Package sim runs scripted games against the live coordinator. Fixtures are
// YAML; bot behavior comes from the Lua scripts in internal/scripting. Sim
// games are flagged simulated, so the coordinator settles them off-chain.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "30s"/"10m" strings; yaml.v3 has no native time.Duration
// support.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Point struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type FixtureShrink struct {
	AtSecond     int     `yaml:"at_second"`
	RadiusMeters float64 `yaml:"radius_m"`
}

type FixtureSplit struct {
	First   uint16 `yaml:"first"`
	Second  uint16 `yaml:"second"`
	Third   uint16 `yaml:"third"`
	Kills   uint16 `yaml:"kills"`
	Creator uint16 `yaml:"creator"`
}

type FixtureGame struct {
	ID          uint64        `yaml:"id"`
	Title       string        `yaml:"title"`
	EntryFeeWei string        `yaml:"entry_fee_wei"`
	MinPlayers  int           `yaml:"min_players"`
	MaxPlayers  int           `yaml:"max_players"`
	// Offsets from sim start; the runner turns them into absolute times.
	RegistrationIn Duration        `yaml:"registration_in"`
	GameDateIn     Duration        `yaml:"game_date_in"`
	ExpiryIn       Duration        `yaml:"expiry_in"`
	MaxDuration    Duration        `yaml:"max_duration"`
	Center         Point           `yaml:"center"`
	Meeting        Point           `yaml:"meeting"`
	Split          FixtureSplit    `yaml:"split"`
	Shrinks        []FixtureShrink `yaml:"shrinks"`
}

type FixtureBot struct {
	Number   int    `yaml:"number"`
	Behavior string `yaml:"behavior"`
	Start    Point  `yaml:"start"`
}

type Fixture struct {
	Game FixtureGame  `yaml:"game"`
	Bots []FixtureBot `yaml:"players"`
}

// LoadFixture reads and validates one sim fixture.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	if f.Game.ID == 0 {
		return fmt.Errorf("game.id is required")
	}
	if len(f.Bots) < 2 {
		return fmt.Errorf("need at least two players, have %d", len(f.Bots))
	}
	if len(f.Game.Shrinks) == 0 {
		return fmt.Errorf("at least one shrink step is required")
	}
	seen := make(map[int]bool, len(f.Bots))
	for _, b := range f.Bots {
		if b.Number <= 0 {
			return fmt.Errorf("player number %d out of range", b.Number)
		}
		if seen[b.Number] {
			return fmt.Errorf("duplicate player number %d", b.Number)
		}
		seen[b.Number] = true
		if b.Behavior == "" {
			return fmt.Errorf("player %d has no behavior", b.Number)
		}
	}
	return nil
}
