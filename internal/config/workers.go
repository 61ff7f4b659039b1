package config

import (
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/econos-labs/master-engine/internal/app/domain/fault"
	"github.com/econos-labs/master-engine/internal/app/domain/worker"
)

// workersFile is the on-disk shape of the known-worker roster.
type workersFile struct {
	Workers []struct {
		Address    string `yaml:"address"`
		Endpoint   string `yaml:"endpoint"`
		Reputation int    `yaml:"reputation"`
	} `yaml:"workers"`
}

// LoadWorkers reads the known-worker roster. A missing file yields an empty
// roster so the engine can start before any workers are configured.
func LoadWorkers(path string) ([]worker.Known, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindInternal, err, "read workers file")
	}

	var file workersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "parse workers file")
	}

	out := make([]worker.Known, 0, len(file.Workers))
	for i, w := range file.Workers {
		if !common.IsHexAddress(w.Address) {
			return nil, fault.Errorf(fault.KindValidation, "workers[%d]: invalid address %q", i, w.Address)
		}
		if w.Endpoint == "" {
			return nil, fault.Errorf(fault.KindValidation, "workers[%d]: endpoint is required", i)
		}
		if w.Reputation < 0 || w.Reputation > 100 {
			return nil, fault.Errorf(fault.KindValidation, "workers[%d]: reputation must be 0..100", i)
		}
		out = append(out, worker.Known{
			Address:    common.HexToAddress(w.Address),
			Endpoint:   w.Endpoint,
			Reputation: w.Reputation,
		})
	}
	return out, nil
}
