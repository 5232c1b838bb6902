package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesFile is the YAML structure of a rules override file.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads an ordered rule list from a YAML file. Rules with an
// unknown work type or no match criteria are rejected so a typo cannot
// silently route everything to the fallback.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}

	for i, r := range rf.Rules {
		if !r.WorkType.Valid() {
			return nil, fmt.Errorf("rule %d: unknown work type %q", i, r.WorkType)
		}
		if r.Prefix == "" && len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d: needs a prefix or keywords", i)
		}
	}
	return rf.Rules, nil
}

// LoadRulesOrDefault returns rules from path when it exists, otherwise the
// built-in table. A missing file is not an error; a malformed file is.
func LoadRulesOrDefault(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return DefaultRules(), nil
	}
	return LoadRules(path)
}
