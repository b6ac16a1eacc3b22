package config

import (
	"net/url"
	"os"

	xe "github.com/opst/pipelab/pkg/errors"
	"gopkg.in/yaml.v3"
)

func Load(filename string) (Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, xe.Wrap(err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, xe.WrapWithNote("parsing "+filename, err)
	}
	return cfg, nil
}

type Config struct {
	// Hooks on each experiment phase transition.
	//
	// Before hooks are called on starting experiments, and can veto it.
	// After hooks are called after every phase transition.
	Lifecycle WebHook `yaml:"lifecycle-hooks,omitempty"`
}

type WebHook struct {
	Before []*url.URL
	After  []*url.URL
}

func (wh *WebHook) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Before []string `yaml:"before"`
		After  []string `yaml:"after"`
	}{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parse := func(us []string) ([]*url.URL, error) {
		ret := make([]*url.URL, len(us))
		for i, u := range us {
			parsed, err := url.Parse(u)
			if err != nil {
				return nil, err
			}
			ret[i] = parsed
		}
		return ret, nil
	}

	var err error
	if wh.Before, err = parse(raw.Before); err != nil {
		return err
	}
	if wh.After, err = parse(raw.After); err != nil {
		return err
	}
	return nil
}
