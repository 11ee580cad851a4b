// Package orders loads the orders to clear from a yaml file
package orders

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/clearing-node/arb-node/arb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidOrderbook = errors.New("invalid orderbook address")
	ErrInvalidToken     = errors.New("invalid token address")
)

type FileConfig struct {
	Tokens map[string]arb.TokenInfo `yaml:"tokens"`
	Orders []struct {
		Orderbook  string `yaml:"orderbook"`
		OrderBytes string `yaml:"orderBytes"`
		Disabled   bool   `yaml:"disabled"`
	} `yaml:"orders"`
}

// LoadFile parses an order file, every order is abi decoded and hashed
func LoadFile(file string) ([]arb.OrderRecord, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var config FileConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	tokens := make(map[common.Address]arb.TokenInfo, len(config.Tokens))
	for address, info := range config.Tokens {
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, address)
		}
		tokens[common.HexToAddress(address)] = info
	}

	records := make([]arb.OrderRecord, 0, len(config.Orders))
	for i, entry := range config.Orders {
		if entry.Disabled {
			continue
		}
		if !common.IsHexAddress(entry.Orderbook) {
			return nil, fmt.Errorf("order %d: %w: %s", i, ErrInvalidOrderbook, entry.Orderbook)
		}
		orderBytes, err := hexutil.Decode(strings.TrimSpace(entry.OrderBytes))
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, errors.Join(arb.ErrInvalidOrderBytes, err))
		}
		order, err := arb.DecodeOrder(orderBytes)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		hash, err := arb.HashOrder(&order)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		records = append(records, arb.OrderRecord{
			OrderHash: hash,
			Owner:     order.Owner,
			Orderbook: common.HexToAddress(entry.Orderbook),
			Order:     order,
			Tokens:    tokens,
		})
	}
	return records, nil
}

// Changes is the difference between two loads of the order file
type Changes struct {
	Added   []arb.OrderRecord
	Removed map[common.Address][]common.Hash
}

func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// FileSource re-reads the order file and reports what changed since the previous load
type FileSource struct {
	log  *zap.Logger
	path string

	mu    sync.Mutex
	known map[common.Hash]common.Address
}

func NewFileSource(log *zap.Logger, path string) *FileSource {
	return &FileSource{
		log:   log.Named("orders"),
		path:  path,
		known: make(map[common.Hash]common.Address),
	}
}

// Poll loads the file. On error the known set is unchanged so the next poll reports the same diff.
func (s *FileSource) Poll() (*Changes, error) {
	records, err := LoadFile(s.path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changes := &Changes{Removed: make(map[common.Address][]common.Hash)}
	current := make(map[common.Hash]common.Address, len(records))
	for _, record := range records {
		current[record.OrderHash] = record.Orderbook
		if _, ok := s.known[record.OrderHash]; !ok {
			changes.Added = append(changes.Added, record)
		}
	}
	for hash, orderbook := range s.known {
		if _, ok := current[hash]; !ok {
			changes.Removed[orderbook] = append(changes.Removed[orderbook], hash)
		}
	}
	s.known = current

	if !changes.Empty() {
		s.log.Info("Order file changed", zap.Int("added", len(changes.Added)), zap.Int("removed", countRemoved(changes)))
	}
	return changes, nil
}

func countRemoved(changes *Changes) int {
	n := 0
	for _, hashes := range changes.Removed {
		n += len(hashes)
	}
	return n
}
