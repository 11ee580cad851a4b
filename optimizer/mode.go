package optimizer

import (
	"github.com/clearing-node/arb-node/arb"
	"github.com/ethereum/go-ethereum/common"
)

// Mode is a way of bundling take orders of one BundledOrders into a single clear.
// The first take order of the bundle is always the target pair.
type Mode uint8

const (
	// ModeSingle takes the target order alone
	ModeSingle Mode = iota + 1
	// ModeDouble takes the target with the next order of the bundle, or the target twice
	ModeDouble
	// ModeTriple takes up to three orders of the bundle, padded with the target
	ModeTriple
	// ModeAll takes every order of the bundle
	ModeAll
)

var allModes = []Mode{ModeSingle, ModeDouble, ModeTriple, ModeAll}

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeDouble:
		return "double"
	case ModeTriple:
		return "triple"
	case ModeAll:
		return "all"
	default:
		return "unknown"
	}
}

func (m Mode) size() int {
	switch m {
	case ModeSingle:
		return 1
	case ModeDouble:
		return 2
	case ModeTriple:
		return 3
	default:
		return 0
	}
}

// Orders builds the take orders list the mode clears in one transaction
func (m Mode) Orders(bundle *arb.BundledOrders) []arb.TakeOrderConfig {
	takeOrders := m.takeOrders(bundle)
	res := make([]arb.TakeOrderConfig, 0, len(takeOrders))
	for _, takeOrder := range takeOrders {
		res = append(res, takeOrder.Config)
	}
	return res
}

// OrderIDs are the ids of the orders in Orders, in the same order
func (m Mode) OrderIDs(bundle *arb.BundledOrders) []common.Hash {
	takeOrders := m.takeOrders(bundle)
	res := make([]common.Hash, 0, len(takeOrders))
	for _, takeOrder := range takeOrders {
		res = append(res, takeOrder.ID)
	}
	return res
}

func (m Mode) takeOrders(bundle *arb.BundledOrders) []arb.TakeOrder {
	if len(bundle.TakeOrders) == 0 {
		return nil
	}
	if m == ModeAll {
		return bundle.TakeOrders
	}

	size := m.size()
	res := make([]arb.TakeOrder, 0, size)
	for i := 0; i < size; i++ {
		if i < len(bundle.TakeOrders) {
			res = append(res, bundle.TakeOrders[i])
		} else {
			res = append(res, bundle.TakeOrders[0])
		}
	}
	return res
}

// Modes returns the modes run concurrently for the given retry count
func Modes(retries int) []Mode {
	if retries < 1 {
		retries = 1
	}
	if retries > len(allModes) {
		retries = len(allModes)
	}
	return allModes[:retries]
}
