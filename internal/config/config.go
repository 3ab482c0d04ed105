package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Listings struct {
		PlaceholderTitle        string  `yaml:"placeholder_title" json:"placeholder_title"`
		MaxRewardSlots          int     `yaml:"max_reward_slots" json:"max_reward_slots"`
		MaxRewardAmount         float64 `yaml:"max_reward_amount" json:"max_reward_amount"`
		MaxDeadlineDays         int     `yaml:"max_deadline_days" json:"max_deadline_days"`
		MaxEligibilityQuestions int     `yaml:"max_eligibility_questions" json:"max_eligibility_questions"`
		AnnounceOffsetSeconds   int     `yaml:"announce_deadline_offset_seconds" json:"announce_deadline_offset_seconds"`
	} `yaml:"listings" json:"listings"`
	Skills  map[string][]string `yaml:"skills" json:"skills"`
	Effects struct {
		TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"effects" json:"effects"`
	Chat struct {
		Channels map[string]ChatChannel `yaml:"channels" json:"channels"`
	} `yaml:"chat" json:"chat"`
}

type ChatChannel struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret,omitempty" json:"-"`
	Enabled        *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	// Events limits the message kinds posted to the channel; empty means all.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Listings.PlaceholderTitle == "" {
		return fmt.Errorf("config.listings.placeholder_title is required")
	}
	if c.Listings.MaxRewardSlots <= 0 {
		return fmt.Errorf("config.listings.max_reward_slots must be positive")
	}
	if c.Listings.MaxRewardAmount <= 0 {
		return fmt.Errorf("config.listings.max_reward_amount must be positive")
	}
	if c.Listings.MaxDeadlineDays <= 0 {
		return fmt.Errorf("config.listings.max_deadline_days must be positive")
	}
	if c.Listings.MaxEligibilityQuestions <= 0 {
		return fmt.Errorf("config.listings.max_eligibility_questions must be positive")
	}
	if c.Listings.AnnounceOffsetSeconds < 0 {
		return fmt.Errorf("config.listings.announce_deadline_offset_seconds must not be negative")
	}
	if len(c.Skills) == 0 {
		return fmt.Errorf("config.skills is required")
	}
	for parent := range c.Skills {
		if parent == "" {
			return fmt.Errorf("config.skills contains empty skill name")
		}
	}
	if c.Effects.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.effects.timeout_seconds must be positive")
	}
	for name, ch := range c.Chat.Channels {
		if name == "" {
			return fmt.Errorf("config.chat.channels contains empty channel name")
		}
		if ch.Enabled != nil && !*ch.Enabled {
			continue
		}
		if ch.URL == "" {
			return fmt.Errorf("chat channel %s has empty url", name)
		}
	}
	return nil
}

// EffectTimeout is the bounded wait for post-transition effects.
func (c *Config) EffectTimeout() time.Duration {
	return time.Duration(c.Effects.TimeoutSeconds) * time.Second
}

// AnnounceOffset is how far an unexpired deadline is pulled into the past on announce.
func (c *Config) AnnounceOffset() time.Duration {
	return time.Duration(c.Listings.AnnounceOffsetSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `listings:
  placeholder_title: "Untitled Draft"
  max_reward_slots: 10
  max_reward_amount: 1000000000
  max_deadline_days: 365
  max_eligibility_questions: 10
  announce_deadline_offset_seconds: 120

skills:
  Frontend: [React, Vue, Angular, Svelte, Next.js]
  Backend: [Node.js, Go, Python, Rust, Java]
  Blockchain: [Solidity, Rust, Move, Anchor]
  Mobile: [Swift, Kotlin, React Native, Flutter]
  Design: [UI/UX Design, Graphic Design, Illustration]
  Content: [Writing, Video, Research, Social Media]
  Growth: [Business Development, Marketing, Community]
  Community: [Community Manager, Discord Moderation]
  Other: [Data Analytics, Operations]

effects:
  timeout_seconds: 10

chat:
  channels: {}
  # channels:
  #   listings:
  #     url: https://hooks.example.com/listings
  #     events: [listing.published, listing.verifying, listing.unpublished, listing.winners.announced]
`
