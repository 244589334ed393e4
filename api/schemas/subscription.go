package schemas

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ISOLayout is the wire format for every date in a subscription record.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// Status is the sole discriminant of a subscription record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCanceled  Status = "canceled"
	StatusInactive  Status = "inactive"
	StatusPreactive Status = "preactive"
)

// BillingCycle is how often a plan renews.
type BillingCycle string

const (
	BillingMonthly BillingCycle = "monthly"
	BillingAnnual  BillingCycle = "annual"
)

// Valid reports whether c is one of the known cycles.
func (c BillingCycle) Valid() bool {
	return c == BillingMonthly || c == BillingAnnual
}

// Subscription is the canonical, normalized state of one subscription.
// It is a closed sum type: Active, Canceled, Inactive and Preactive are the only implementations.
type Subscription interface {
	Status() Status
	Validate() error
	isSubscription()
}

// Active is a running, paid subscription. PlanPrice is in minor currency units.
type Active struct {
	PlanName        string
	PlanPrice       int64
	NextPaymentDate time.Time
	BillingCycle    BillingCycle
	ProductID       string
}

// Canceled is a subscription that will not renew. ExpiresAt and PlanPrice may be unknown.
type Canceled struct {
	PlanName     string
	ExpiresAt    *time.Time
	PlanPrice    *int64
	BillingCycle BillingCycle
	ProductID    string
}

// Inactive means the account has no running subscription.
type Inactive struct{}

// Preactive means the account is registered but never subscribed.
type Preactive struct{}

func (Active) Status() Status    { return StatusActive }
func (Canceled) Status() Status  { return StatusCanceled }
func (Inactive) Status() Status  { return StatusInactive }
func (Preactive) Status() Status { return StatusPreactive }

func (Active) isSubscription()    {}
func (Canceled) isSubscription()  {}
func (Inactive) isSubscription()  {}
func (Preactive) isSubscription() {}

// Validate checks the field invariants of an active record.
func (a Active) Validate() error {
	if strings.TrimSpace(a.PlanName) == "" {
		return fmt.Errorf("active: planName is required")
	}
	if a.PlanPrice < 0 {
		return fmt.Errorf("active: planPrice must not be negative, got %d", a.PlanPrice)
	}
	if a.NextPaymentDate.IsZero() {
		return fmt.Errorf("active: nextPaymentDate is required")
	}
	if !a.BillingCycle.Valid() {
		return fmt.Errorf("active: invalid billingCycle %q", a.BillingCycle)
	}
	return nil
}

// Validate checks the field invariants of a canceled record.
func (c Canceled) Validate() error {
	if strings.TrimSpace(c.PlanName) == "" {
		return fmt.Errorf("canceled: planName is required")
	}
	if c.PlanPrice != nil && *c.PlanPrice < 0 {
		return fmt.Errorf("canceled: planPrice must not be negative, got %d", *c.PlanPrice)
	}
	if !c.BillingCycle.Valid() {
		return fmt.Errorf("canceled: invalid billingCycle %q", c.BillingCycle)
	}
	return nil
}

func (Inactive) Validate() error  { return nil }
func (Preactive) Validate() error { return nil }

// -- JSON --

type activeWire struct {
	Status          Status       `json:"status"`
	PlanName        string       `json:"planName"`
	PlanPrice       int64        `json:"planPrice"`
	NextPaymentDate string       `json:"nextPaymentDate"`
	BillingCycle    BillingCycle `json:"billingCycle"`
	ProductID       string       `json:"productId,omitempty"`
}

type canceledWire struct {
	Status       Status       `json:"status"`
	PlanName     string       `json:"planName"`
	ExpiresAt    *string      `json:"expiresAt"`
	PlanPrice    *int64       `json:"planPrice"`
	BillingCycle BillingCycle `json:"billingCycle"`
	ProductID    string       `json:"productId,omitempty"`
}

type statusOnlyWire struct {
	Status Status `json:"status"`
}

// MarshalJSON writes exactly the fields of the active shape.
func (a Active) MarshalJSON() ([]byte, error) {
	return json.Marshal(activeWire{
		Status:          StatusActive,
		PlanName:        a.PlanName,
		PlanPrice:       a.PlanPrice,
		NextPaymentDate: FormatISO(a.NextPaymentDate),
		BillingCycle:    a.BillingCycle,
		ProductID:       a.ProductID,
	})
}

// MarshalJSON writes exactly the fields of the canceled shape; unknown values are null.
func (c Canceled) MarshalJSON() ([]byte, error) {
	w := canceledWire{
		Status:       StatusCanceled,
		PlanName:     c.PlanName,
		PlanPrice:    c.PlanPrice,
		BillingCycle: c.BillingCycle,
		ProductID:    c.ProductID,
	}
	if c.ExpiresAt != nil {
		s := FormatISO(*c.ExpiresAt)
		w.ExpiresAt = &s
	}
	return json.Marshal(w)
}

func (Inactive) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusOnlyWire{Status: StatusInactive})
}

func (Preactive) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusOnlyWire{Status: StatusPreactive})
}

// FormatISO renders t in UTC with millisecond precision.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseISO accepts the canonical layout and plain RFC 3339.
func ParseISO(s string) (time.Time, error) {
	if t, err := time.Parse(ISOLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

var (
	activeFields   = fieldSet("status", "planName", "planPrice", "nextPaymentDate", "billingCycle", "productId")
	canceledFields = fieldSet("status", "planName", "expiresAt", "planPrice", "billingCycle", "productId")
	emptyFields    = fieldSet("status")

	activeRequired   = []string{"planName", "planPrice", "nextPaymentDate", "billingCycle"}
	canceledRequired = []string{"planName", "expiresAt", "planPrice", "billingCycle"}
)

func fieldSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// UnmarshalSubscription decodes one record strictly: the status must be known,
// every required field of that status must be present, and no other field may appear.
func UnmarshalSubscription(data []byte) (Subscription, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("subscription: %w", err)
	}
	var status Status
	if s, ok := raw["status"]; !ok {
		return nil, fmt.Errorf("subscription: missing status")
	} else if err := json.Unmarshal(s, &status); err != nil {
		return nil, fmt.Errorf("subscription: invalid status: %w", err)
	}

	var sub Subscription
	switch status {
	case StatusActive:
		if err := checkFields(raw, activeFields, activeRequired); err != nil {
			return nil, err
		}
		var w activeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("subscription: %w", err)
		}
		next, err := ParseISO(w.NextPaymentDate)
		if err != nil {
			return nil, fmt.Errorf("subscription: nextPaymentDate: %w", err)
		}
		sub = Active{PlanName: w.PlanName, PlanPrice: w.PlanPrice, NextPaymentDate: next.UTC(), BillingCycle: w.BillingCycle, ProductID: w.ProductID}
	case StatusCanceled:
		if err := checkFields(raw, canceledFields, canceledRequired); err != nil {
			return nil, err
		}
		var w canceledWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("subscription: %w", err)
		}
		c := Canceled{PlanName: w.PlanName, PlanPrice: w.PlanPrice, BillingCycle: w.BillingCycle, ProductID: w.ProductID}
		if w.ExpiresAt != nil {
			exp, err := ParseISO(*w.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("subscription: expiresAt: %w", err)
			}
			exp = exp.UTC()
			c.ExpiresAt = &exp
		}
		sub = c
	case StatusInactive:
		if err := checkFields(raw, emptyFields, nil); err != nil {
			return nil, err
		}
		sub = Inactive{}
	case StatusPreactive:
		if err := checkFields(raw, emptyFields, nil); err != nil {
			return nil, err
		}
		sub = Preactive{}
	default:
		return nil, fmt.Errorf("subscription: unknown status %q", status)
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("subscription: %w", err)
	}
	return sub, nil
}

func checkFields(raw map[string]json.RawMessage, allowed map[string]bool, required []string) error {
	var extra []string
	for k := range raw {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("subscription: unexpected fields %v", extra)
	}
	for _, k := range required {
		if _, ok := raw[k]; !ok {
			return fmt.Errorf("subscription: missing field %q", k)
		}
	}
	return nil
}

// Subscriptions is a list of records that round-trips through JSON.
type Subscriptions []Subscription

// UnmarshalJSON decodes every element with UnmarshalSubscription.
func (s *Subscriptions) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Subscriptions, 0, len(raws))
	for i, r := range raws {
		sub, err := UnmarshalSubscription(r)
		if err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
		out = append(out, sub)
	}
	*s = out
	return nil
}

// Validate checks every element.
func (s Subscriptions) Validate() error {
	for i, sub := range s {
		if sub == nil {
			return fmt.Errorf("data[%d]: nil subscription", i)
		}
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	return nil
}
