package social

import (
	"embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/definitions.yaml
var configFiles embed.FS

type definitionKey struct {
	model string
	typ   int
}

// Definitions is the registry of activity definitions.
type Definitions struct {
	mu          sync.RWMutex
	definitions map[definitionKey]Definition
}

type definitionsFile struct {
	Activities []Definition `yaml:"activities"`
}

// LoadDefinitions reads definitions from path, or the built-in set when
// path is empty.
func LoadDefinitions(path string) (*Definitions, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = configFiles.ReadFile("config/definitions.yaml")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read activity definitions: %w", err)
	}
	return ParseDefinitions(data)
}

func ParseDefinitions(data []byte) (*Definitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse activity definitions: %w", err)
	}

	defs := &Definitions{definitions: make(map[definitionKey]Definition, len(file.Activities))}
	for _, def := range file.Activities {
		if def.Model == "" || def.Type <= 0 {
			return nil, fmt.Errorf("activity definition %q: model and type are required", def.Key)
		}
		for i := range def.Counters {
			counter := &def.Counters[i]
			if counter.Name == "" {
				return nil, fmt.Errorf("activity definition %s/%d: counter without name", def.Model, def.Type)
			}
			ownerType, err := parseOwner(counter.Owner)
			if err != nil {
				return nil, fmt.Errorf("activity definition %s/%d counter %s: %w", def.Model, def.Type, counter.Name, err)
			}
			counter.OwnerType = ownerType
			if counter.LimitValue > 0 {
				limitPeriod, err := parseLimitPeriod(counter.Period)
				if err != nil {
					return nil, fmt.Errorf("activity definition %s/%d counter %s: %w", def.Model, def.Type, counter.Name, err)
				}
				counter.LimitPeriod = limitPeriod
			}
		}
		defs.definitions[definitionKey{model: def.Model, typ: def.Type}] = def
	}
	return defs, nil
}

func (d *Definitions) Lookup(model string, activityType int) (Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.definitions[definitionKey{model: model, typ: activityType}]
	return def, ok
}

// SetProcessor attaches a processor to an existing definition.
func (d *Definitions) SetProcessor(model string, activityType int, processor Processor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := definitionKey{model: model, typ: activityType}
	def, ok := d.definitions[key]
	if !ok {
		return fmt.Errorf("no activity definition for %s/%d", model, activityType)
	}
	def.processor = processor
	d.definitions[key] = def
	return nil
}

// All returns every definition, for display.
func (d *Definitions) All() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.definitions))
	for _, def := range d.definitions {
		out = append(out, def)
	}
	return out
}

func parseOwner(value string) (int, error) {
	switch value {
	case "actor", "":
		return OwnerActor, nil
	case "asset":
		return OwnerAsset, nil
	case "creator":
		return OwnerCreator, nil
	default:
		return 0, fmt.Errorf("unknown owner %q", value)
	}
}

func parseLimitPeriod(value string) (int, error) {
	switch value {
	case "day", "":
		return LimitPeriodDay, nil
	case "lifetime":
		return LimitPeriodLifetime, nil
	case "period":
		return LimitPeriodPeriod, nil
	default:
		return 0, fmt.Errorf("unknown limit period %q", value)
	}
}
