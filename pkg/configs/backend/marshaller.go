package backend

import (
	"fmt"
	"os"

	domerr "github.com/opst/pipelab/pkg/domain/errors"
	xe "github.com/opst/pipelab/pkg/errors"
	"gopkg.in/yaml.v3"
)

// load pipelab server config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *BackendConfig, error:
//
//	When loading success, returns `(*BackendConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func LoadBackendConfig(filepath string) (*BackendConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	conf, err := Unmarshal(content)
	if err != nil {
		return nil, xe.WrapWithNote("loading "+filepath, err)
	}
	return conf, nil
}

// Unmarshal parses and seals config.
//
// Misconfigurations are reported as errors wrapping ErrInvalidConfig.
func Unmarshal(conf []byte) (out *BackendConfig, err error) {
	var _out *BackendConfigMarshall
	if err := yaml.Unmarshal(conf, &_out); err != nil {
		return nil, fmt.Errorf("%w: %w", domerr.ErrInvalidConfig, err)
	}
	if _out == nil {
		return nil, fmt.Errorf("%w: config is empty", domerr.ErrInvalidConfig)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		out = nil
		if e, ok := r.(error); ok {
			err = fmt.Errorf("%w: %w", domerr.ErrInvalidConfig, e)
		} else {
			err = fmt.Errorf("%w: %v", domerr.ErrInvalidConfig, r)
		}
	}()
	out = TrySeal(_out)
	return out, nil
}
