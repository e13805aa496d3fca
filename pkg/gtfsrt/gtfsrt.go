// Package gtfsrt decodes GTFS-realtime feed envelopes into the two entity
// shapes this system ingests: trip delay updates and vehicle positions.
//
// The decoder is deliberately not a general-purpose protobuf codec. It walks
// the tag/wire-type stream, descends into the submessage field numbers it
// recognizes and skips everything else by wire type, so additive changes to
// the upstream format pass through untouched.
package gtfsrt

// FeedKind names one realtime feed flavor. The values are part of the
// storage key layout and must not change.
type FeedKind string

const (
	FeedKindTripUpdates      FeedKind = "gtfsrt_trip_updates"
	FeedKindVehiclePositions FeedKind = "gtfsrt_vehicle_positions"
)

// Valid reports whether k is one of the known feed kinds.
func (k FeedKind) Valid() bool {
	return k == FeedKindTripUpdates || k == FeedKindVehiclePositions
}

// Kinds returns all known feed kinds.
func Kinds() []FeedKind {
	return []FeedKind{FeedKindTripUpdates, FeedKindVehiclePositions}
}

// Entity is one decoded unit from a feed envelope. The concrete type is
// either *TripDelayUpdate or *VehiclePosition; no other variant exists in
// the wire contract.
type Entity interface {
	Kind() FeedKind
}

// StopTimeUpdate is one per-stop delay record inside a trip update. Nil
// pointers mean the field was absent from the wire, which is distinct from
// an explicit zero (on time).
type StopTimeUpdate struct {
	StopID         string
	StopSequence   *uint32
	ArrivalDelay   *int32 // seconds, negative = early
	DepartureDelay *int32 // seconds, negative = early
	ArrivalTime    *int64 // unix seconds
	DepartureTime  *int64 // unix seconds
}

// TripDelayUpdate carries the per-stop delay records of one trip.
type TripDelayUpdate struct {
	TripID      string
	RouteID     string
	StartTime   string // HH:MM:SS, as published
	StartDate   string // YYYYMMDD, as published
	Timestamp   *uint64
	Delay       *int32
	StopUpdates []StopTimeUpdate
}

func (*TripDelayUpdate) Kind() FeedKind { return FeedKindTripUpdates }

// VehiclePosition carries one vehicle's reported position.
type VehiclePosition struct {
	VehicleID           string
	VehicleLabel        string
	TripID              string
	RouteID             string
	StopID              string
	CurrentStopSequence *uint32
	Latitude            *float32
	Longitude           *float32
	Bearing             *float32
	Odometer            *float64
	Speed               *float32
	Timestamp           *uint64
}

func (*VehiclePosition) Kind() FeedKind { return FeedKindVehiclePositions }

// Envelope is one decoded feed message.
//
// EntityCount is the number of entity fields seen at the top level of the
// stream, whether or not they decoded cleanly; SkippedEntities counts the
// subset that was dropped because its nested bytes could not be decoded.
// len(Entities) can be smaller than EntityCount - SkippedEntities when the
// feed carries entity flavors this decoder does not extract (alerts).
type Envelope struct {
	Timestamp       *uint64
	Entities        []Entity
	EntityCount     int
	SkippedEntities int
}
