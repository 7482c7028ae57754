// Package quota decides whether a chat or image request fits in today's
// allowance. It performs no I/O.
package quota

import (
	"fmt"
	"strconv"

	"github.com/tomatolab/classchat/internal/models"
)

type Action string

const (
	ActionChat  Action = "chat"
	ActionImage Action = "image"
)

const (
	ReasonChatLimit  = "chat limit reached"
	ReasonImageLimit = "image limit reached"
)

// Limits are the configured daily allowances.
type Limits struct {
	Chat  int
	Image int
}

// Usage is today's count of each action.
type Usage struct {
	Chat  int
	Image int
}

type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Decide applies the daily limits. Image requests are limited for every
// tier; admins are exempt from the chat limit only.
func Decide(tier models.Tier, usage Usage, action Action, limits Limits) Decision {
	switch {
	case action == ActionImage && usage.Image >= limits.Image:
		return deny(ReasonImageLimit)
	case action == ActionChat && tier != models.TierAdmin && usage.Chat >= limits.Chat:
		return deny(ReasonChatLimit)
	default:
		return allow()
	}
}

// Remaining is what is left of a limit. Unlimited is only set for admin chat.
type Remaining struct {
	Unlimited bool
	Count     int
}

func (r Remaining) String() string {
	if r.Unlimited {
		return "∞"
	}
	return strconv.Itoa(r.Count)
}

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return []byte(`"∞"`), nil
	}
	return []byte(strconv.Itoa(r.Count)), nil
}

func (r *Remaining) UnmarshalJSON(data []byte) error {
	if string(data) == `"∞"` {
		*r = Remaining{Unlimited: true}
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("remaining: %w", err)
	}
	*r = Remaining{Count: n}
	return nil
}

// RemainingFor clamps limit-count at zero.
func RemainingFor(tier models.Tier, action Action, count, limit int) Remaining {
	if tier == models.TierAdmin && action == ActionChat {
		return Remaining{Unlimited: true}
	}
	left := limit - count
	if left < 0 {
		left = 0
	}
	return Remaining{Count: left}
}
