package builtin

import "saros/internal/policy"

var _ policy.Policy = ScaleOutBuy{}

// ScaleOutBuy trades like AlternateBuy but enters three lots and peels one
// off at each target level until a single lot remains to ride the trail.
type ScaleOutBuy struct {
	AlternateBuy
}

// NewScaleOutBuy is the registry factory.
func NewScaleOutBuy() policy.Policy { return ScaleOutBuy{} }

func (ScaleOutBuy) Name() string { return "scale-out-buy" }

func (ScaleOutBuy) OnTargetHit(_ policy.Context, _ policy.Scratch, lotsRemaining int) policy.TargetDecision {
	if lotsRemaining > 1 {
		return policy.PartialExit(1)
	}
	return policy.Trail()
}

func (ScaleOutBuy) LotMultiplier() int { return 3 }
