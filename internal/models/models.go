package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripMode distinguishes immediate requests from pre-booked ones.
type TripMode string

const (
	ModeOnDemand  TripMode = "ON_DEMAND"
	ModeScheduled TripMode = "SCHEDULED"
)

// TripRequestStatus transitions from PENDING are one-way; MATCHED,
// EXPIRED and CANCELLED are terminal.
type TripRequestStatus string

const (
	RequestPending   TripRequestStatus = "PENDING"
	RequestMatched   TripRequestStatus = "MATCHED"
	RequestExpired   TripRequestStatus = "EXPIRED"
	RequestCancelled TripRequestStatus = "CANCELLED"
)

type TripRequest struct {
	ID          string   `json:"id"`
	RequesterID string   `json:"requester_id"`
	Mode        TripMode `json:"mode"`
	Pickup      Coord    `json:"pickup"`
	Dropoff     Coord    `json:"dropoff"`

	EstimatedFare float64 `json:"estimated_fare"`

	// Scheduled mode only: half-open window [start, end).
	ScheduledStartAt    *time.Time `json:"scheduled_start_at,omitempty"`
	ScheduledEndAt      *time.Time `json:"scheduled_end_at,omitempty"`
	PreAssignedDriverID string     `json:"pre_assigned_driver_id,omitempty"`
	Reminder60Sent      bool       `json:"reminder_60_sent"`
	Reminder15Sent      bool       `json:"reminder_15_sent"`

	Status    TripRequestStatus `json:"status"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"` // on-demand only
	CreatedAt time.Time         `json:"created_at"`
	MatchedAt *time.Time        `json:"matched_at,omitempty"`
}

func (r *TripRequest) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// TripOffer is a time-bounded proposal of a trip request to one driver.
// At most one offer per request ever reaches ACCEPTED.
type TripOffer struct {
	ID            string      `json:"id"`
	TripRequestID string      `json:"trip_request_id"`
	DriverID      string      `json:"driver_id"`
	OfferedFare   float64     `json:"offered_fare"`
	Status        OfferStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	RespondedAt   *time.Time  `json:"responded_at,omitempty"`
}

func (o *TripOffer) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

type DriverStatus string

const (
	DriverPending   DriverStatus = "PENDING"
	DriverActive    DriverStatus = "ACTIVE"
	DriverOffline   DriverStatus = "OFFLINE"
	DriverBusy      DriverStatus = "BUSY"
	DriverLimited   DriverStatus = "LIMITED"
	DriverSuspended DriverStatus = "SUSPENDED"
	DriverBlocked   DriverStatus = "BLOCKED"
)

type Driver struct {
	ID            string       `json:"id"`
	Status        DriverStatus `json:"status"`
	WalletBalance float64      `json:"wallet_balance"` // may run negative up to the tier credit limit
	PushAddress   string       `json:"push_address,omitempty"`
	Rating        float64      `json:"rating"`
	Loc           Coord        `json:"loc"`
	CreatedAt     time.Time    `json:"created_at"`
}

// WithinCreditLimit reports whether the balance satisfies the target
// invariant balance >= -limit.
func (d *Driver) WithinCreditLimit(limit float64) bool {
	return d.WalletBalance >= -limit
}

type TripStatus string

const (
	TripConfirmed      TripStatus = "CONFIRMED"
	TripDriverArriving TripStatus = "DRIVER_ARRIVING"
	TripArrived        TripStatus = "ARRIVED"
	TripInProgress     TripStatus = "IN_PROGRESS"
	TripCompleted      TripStatus = "COMPLETED"
	TripCancelled      TripStatus = "CANCELLED"
)

type Trip struct {
	ID            string `json:"id"`
	TripRequestID string `json:"trip_request_id"` // 1:1, at most one non-cancelled trip per request
	RequesterID   string `json:"requester_id"`
	DriverID      string `json:"driver_id"`
	VehicleID     string `json:"vehicle_id,omitempty"`

	EstimatedFare float64 `json:"estimated_fare"`
	FinalFare     float64 `json:"final_fare"`

	// Commission rate is frozen at trip creation from the driver's tier;
	// CommissionCharged flips false->true exactly once.
	CommissionRate    float64 `json:"commission_rate"`
	CommissionAmount  float64 `json:"commission_amount"`
	CommissionCharged bool    `json:"commission_charged"`

	Status TripStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ArrivingAt  *time.Time `json:"arriving_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string `json:"cancelled_by,omitempty"` // USER, DRIVER or SYSTEM
	CancellationReason string `json:"cancellation_reason,omitempty"`
}

type TransactionType string

const (
	TxTripCommission TransactionType = "TRIP_COMMISSION"
	TxPayment        TransactionType = "PAYMENT"
	TxRefund         TransactionType = "REFUND"
	TxAdjustment     TransactionType = "ADJUSTMENT"
	TxBonus          TransactionType = "BONUS"
	TxPenalty        TransactionType = "PENALTY"
)

// WalletTransaction is one row of the append-only driver ledger.
// BalanceAfter must equal the running balance at insertion time, so
// replaying a driver's log from zero reproduces every snapshot.
type WalletTransaction struct {
	ID           string          `json:"id"`
	DriverID     string          `json:"driver_id"`
	Type         TransactionType `json:"type"`
	Amount       float64         `json:"amount"` // positive credit, negative debit
	BalanceAfter float64         `json:"balance_after"`
	TripID       string          `json:"trip_id,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AvailabilityBlock reserves a half-open interval [StartTime, EndTime)
// during which a driver is excluded from scheduled assignment.
type AvailabilityBlock struct {
	ID            string    `json:"id"`
	DriverID      string    `json:"driver_id"`
	TripRequestID string    `json:"trip_request_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Overlaps reports interior overlap with [start, end). Touching
// boundaries do not conflict.
func (b *AvailabilityBlock) Overlaps(start, end time.Time) bool {
	return start.Before(b.EndTime) && b.StartTime.Before(end)
}

type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "FREE"
	TierPro     SubscriptionTier = "PRO"
	TierPremium SubscriptionTier = "PREMIUM"
)

type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// Subscription is read-only input to commission-rate and credit-limit
// lookups.
type Subscription struct {
	ID             string             `json:"id"`
	DriverID       string             `json:"driver_id"`
	Tier           SubscriptionTier   `json:"tier"`
	CommissionRate float64            `json:"commission_rate"`
	Status         SubscriptionStatus `json:"status"`
	StartsAt       time.Time          `json:"starts_at"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"` // nil never expires
	CreatedAt      time.Time          `json:"created_at"`
}

// IsActive requires status ACTIVE and now inside the validity window.
func (s *Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionActive {
		return false
	}
	if now.Before(s.StartsAt) {
		return false
	}
	if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		return false
	}
	return true
}

// DriverLocation is the wire shape of a location update flowing through
// the ingest pipeline.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}
