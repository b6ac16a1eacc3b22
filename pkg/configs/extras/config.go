// Package extras configures extra endpoints which pipelabd proxies to,
// like dashboards and anomaly detectors living next to the control plane.
package extras

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	xe "github.com/opst/pipelab/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Paths served by pipelabd itself. Extra endpoints cannot be under them.
var Reserved = []string{"/api", "/metrics"}

type Endpoint struct {
	// Path is a clean absolute path. Requests to it and its sub-paths are proxied.
	Path string

	// ProxyTo is the root URL receiving proxied requests.
	//
	// Sub-path of the request is appended to this.
	ProxyTo *url.URL
}

var ErrInvalidEndpointPath = errors.New("extras: endpoint path is invalid")
var ErrInvalidProxyTo = errors.New("extras: proxyTo is invalid")

func (e *Endpoint) UnmarshalYAML(node *yaml.Node) error {
	raw := struct {
		Path    string `yaml:"path"`
		ProxyTo string `yaml:"proxyTo"`
	}{}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	switch {
	case raw.Path == "":
		return fmt.Errorf("%w: empty", ErrInvalidEndpointPath)
	case !path.IsAbs(raw.Path):
		return fmt.Errorf("%w: not absolute: %s", ErrInvalidEndpointPath, raw.Path)
	case path.Clean(raw.Path) != raw.Path:
		return fmt.Errorf("%w: not clean: %s", ErrInvalidEndpointPath, raw.Path)
	}
	for _, r := range Reserved {
		if raw.Path == r || strings.HasPrefix(raw.Path, r+"/") {
			return fmt.Errorf("%w: %s is reserved: %s", ErrInvalidEndpointPath, r, raw.Path)
		}
	}

	to, err := url.Parse(raw.ProxyTo)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProxyTo, err)
	}
	if !to.IsAbs() || to.Hostname() == "" {
		return fmt.Errorf("%w: should be an absolute URL with host: %s", ErrInvalidProxyTo, raw.ProxyTo)
	}

	e.Path = raw.Path
	e.ProxyTo = to
	return nil
}

type Config struct {
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Load reads config from the file.
func Load(file string) (Config, error) {
	content, err := os.ReadFile(file)
	if err != nil {
		return Config{}, xe.Wrap(err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, xe.WrapWithNote("parsing "+file, err)
	}
	return cfg, nil
}
