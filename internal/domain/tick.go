package domain

import "time"

// BillingTick is one recorded charge. For a session, interval indexes
// start at 1 and are contiguous; at most one charge per interval.
type BillingTick struct {
	SessionID         SessionID `json:"session_id"`
	IntervalIndex     int64     `json:"interval_index"`
	AmountMinor       int64     `json:"amount_minor"`
	BalanceAfterMinor int64     `json:"balance_after_minor"`
	TickedAt          time.Time `json:"ticked_at"`
}
