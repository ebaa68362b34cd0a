// Package builtin holds the stock policies shipped with the engine.
package builtin

import "saros/internal/policy"

// All lists the factories for every built-in policy, ready to hand to
// policy.NewRegistry.
func All() []policy.Factory {
	return []policy.Factory{NewAlternateSell, NewAlternateBuy, NewScaleOutBuy}
}
