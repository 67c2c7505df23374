package rewards

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownReward = errors.New("unknown reward")

// Kind tags the reward variant.
type Kind int

const (
	KindNone Kind = iota
	KindTwoHearts
	KindTenHearts
	KindExternal
)

// Reward is a closed variant: TwoHearts, TenHearts, or External(code). The
// zero value is "no reward".
type Reward struct {
	kind Kind
	code string
}

var (
	None      = Reward{}
	TwoHearts = Reward{kind: KindTwoHearts}
	TenHearts = Reward{kind: KindTenHearts}
)

// External is a reward fulfilled outside the ledger (e.g. a partner coupon).
func External(code string) Reward {
	return Reward{kind: KindExternal, code: code}
}

func (r Reward) Kind() Kind     { return r.kind }
func (r Reward) Code() string   { return r.code }
func (r Reward) IsZero() bool   { return r.kind == KindNone }
func (r Reward) External() bool { return r.kind == KindExternal }

// Hearts is the ledger amount the reward grants; external rewards grant none.
func (r Reward) Hearts() int64 {
	switch r.kind {
	case KindTwoHearts:
		return 2
	case KindTenHearts:
		return 10
	}
	return 0
}

func (r Reward) String() string {
	switch r.kind {
	case KindTwoHearts:
		return "twoHearts"
	case KindTenHearts:
		return "tenHearts"
	case KindExternal:
		return "external:" + r.code
	}
	return ""
}

// Parse resolves a stored reward identifier. Empty means no reward.
func Parse(s string) (Reward, error) {
	switch {
	case s == "":
		return None, nil
	case s == "twoHearts":
		return TwoHearts, nil
	case s == "tenHearts":
		return TenHearts, nil
	case strings.HasPrefix(s, "external:") && len(s) > len("external:"):
		return External(strings.TrimPrefix(s, "external:")), nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownReward, s)
}

func (r Reward) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Reward) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
