package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParkingSpot is one unit of the lot. InUse is true iff exactly one open
// ParkingSession references the spot.
type ParkingSpot struct {
	ID    int  `json:"id"`
	InUse bool `json:"in_use"`
}

// Reservation is a future time-window claim on a spot. It is deleted when
// consumed into a ParkingSession or swept after going unclaimed.
type Reservation struct {
	ID           int       `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
	SpotID       int       `json:"spot_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// ParkingSession is the history record of one occupancy, open while
// ExitTime is nil. At most one open row per subscriber.
type ParkingSession struct {
	HistoryID     int        `json:"history_id"`
	SubscriberID  string     `json:"subscriber_id"`
	SpotID        int        `json:"spot_id"`
	ReservationID *int       `json:"reservation_id,omitempty"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	Late          bool       `json:"late"`
	LateNotified  bool       `json:"late_notified"`
	ExtensionUsed bool       `json:"extension_used"`
	TimeToPark    int        `json:"time_to_park_minutes"`
	TotalMinutes  int        `json:"total_minutes"`
	ShowedUp      bool       `json:"showed_up"`
}

// Deadline is the moment the session's allowance runs out.
func (s *ParkingSession) Deadline() time.Time {
	return s.EntryTime.Add(time.Duration(s.TimeToPark) * time.Minute)
}

type Subscriber struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type Worker struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}

type TagReader struct {
	ID           int    `json:"id"`
	SubscriberID string `json:"subscriber_id"`
}

// ClientSession is the in-memory record of one authenticated connection.
// Owned exclusively by the session registry, never persisted.
type ClientSession struct {
	ConnectionID uuid.UUID
	Role         Role
	IdentityID   string
	RemoteAddr   string
	LastActivity time.Time
}

// MonthlyStats is the aggregate fed to the report renderer.
type MonthlyStats struct {
	Month             time.Time `json:"month"`
	TotalMinutes      int64     `json:"total_minutes"`
	LateExits         int       `json:"late_exits"`
	LateNotified      int       `json:"late_notified"`
	Extensions        int       `json:"extensions"`
	ReservationCount  int       `json:"reservation_count"`
	Cancellations     int       `json:"cancellations"`
	LateReservations  int       `json:"late_reservations"`
	MostRequestedHour int       `json:"most_requested_hour"`
}
