package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes "10m" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Definition is one queue entry in the definitions file. Children declared
// under chain become queues bound to this one by parent id.
type Definition struct {
	Name         string         `yaml:"name"`
	Cron         string         `yaml:"cron,omitempty"`
	Every        Duration       `yaml:"every,omitempty"`
	BeginAt      *time.Time     `yaml:"begin_at,omitempty"`
	EndAt        *time.Time     `yaml:"end_at,omitempty"`
	Timeout      Duration       `yaml:"timeout,omitempty"`
	CleanupAfter Duration       `yaml:"cleanup_after,omitempty"`
	Condition    ChainCondition `yaml:"condition,omitempty"`
	Items        []yaml.Node    `yaml:"items,omitempty"`
	Chain        []Definition   `yaml:"chain,omitempty"`
}

// DefinitionsFile is the top-level shape of the definitions YAML.
type DefinitionsFile struct {
	Queues []Definition `yaml:"queues"`
}

// LoadDefinitions reads and parses a queue definitions file.
func LoadDefinitions(path string) (*DefinitionsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file %q: %w", path, err)
	}
	var file DefinitionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file %q: %w", path, err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *DefinitionsFile) validate() error {
	seen := make(map[string]struct{})
	var walk func(defs []Definition, nested bool) error
	walk = func(defs []Definition, nested bool) error {
		for _, def := range defs {
			if def.Name == "" {
				return ErrQueueNameEmpty
			}
			if _, dup := seen[def.Name]; dup {
				return fmt.Errorf("%w: %q", ErrDuplicateQueueName, def.Name)
			}
			seen[def.Name] = struct{}{}
			if nested && def.Condition != "" && !def.Condition.Valid() {
				return fmt.Errorf("%w: %q on queue %q", ErrInvalidChainCondition, def.Condition, def.Name)
			}
			if err := walk(def.Chain, true); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(f.Queues, false)
}

// Apply upserts every definition into storage, computes initial next_run_at
// for queues that have a timer, and registers static item lists as item
// sources. Chained children inherit the parent linkage; their condition
// defaults to "always".
func (e *Engine) Apply(ctx context.Context, file *DefinitionsFile) error {
	var apply func(defs []Definition, parent *Queue) error
	apply = func(defs []Definition, parent *Queue) error {
		for _, def := range defs {
			queue := &Queue{
				Name:         def.Name,
				CronExpr:     def.Cron,
				Interval:     def.Every.Std(),
				BeginAt:      def.BeginAt,
				EndAt:        def.EndAt,
				Timeout:      def.Timeout.Std(),
				CleanupAfter: def.CleanupAfter.Std(),
			}
			if parent != nil {
				queue.ParentID = &parent.ID
				queue.ChainCondition = def.Condition
				if queue.ChainCondition == "" {
					queue.ChainCondition = ChainAlways
				}
			}

			if err := e.storage.UpsertQueue(ctx, queue); err != nil {
				return err
			}

			if sched, err := queue.Schedule(); err == nil {
				next := sched.Next(time.Now())
				var at *time.Time
				if !next.IsZero() {
					at = &next
				}
				if err := e.storage.SetNextRun(ctx, queue.ID, at); err != nil {
					return err
				}
			}

			if len(def.Items) > 0 {
				payloads, err := decodeItems(def.Items)
				if err != nil {
					return fmt.Errorf("queue %q: %w", def.Name, err)
				}
				e.RegisterItemSource(queue.Name, func(context.Context, *Queue) ([]json.RawMessage, error) {
					return payloads, nil
				})
			}

			if err := apply(def.Chain, queue); err != nil {
				return err
			}
		}
		return nil
	}
	return apply(file.Queues, nil)
}

// decodeItems converts the YAML item values into JSON payloads.
func decodeItems(nodes []yaml.Node) ([]json.RawMessage, error) {
	payloads := make([]json.RawMessage, len(nodes))
	for i, node := range nodes {
		var value any
		if err := node.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to decode item %d: %w", i, err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %d: %w", i, err)
		}
		payloads[i] = raw
	}
	return payloads, nil
}
