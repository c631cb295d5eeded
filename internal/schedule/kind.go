package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the discriminator of a Trigger.
type Kind int

const (
	KindUnknown Kind = iota
	KindDaily
	KindWeekly
	KindMonthly
)

func (k Kind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	case KindMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// ParseKind accepts the lower-case names produced by String (case-insensitive).
// An empty string is KindUnknown.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown", "none":
		return KindUnknown, nil
	case "daily":
		return KindDaily, nil
	case "weekly":
		return KindWeekly, nil
	case "monthly":
		return KindMonthly, nil
	default:
		return KindUnknown, fmt.Errorf("unknown trigger type %q (use daily, weekly or monthly)", s)
	}
}

func (k Kind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("trigger type: %w", err)
	}
	v, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}
