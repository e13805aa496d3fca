package gtfsrt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedInput reports a byte stream that cannot be consumed as a
// sequence of (tag, wire type, payload) records at the top level. A
// malformed nested entity never produces this error; it is skipped and
// counted on the Envelope instead.
var ErrMalformedInput = errors.New("gtfsrt: malformed input")

var errTruncated = errors.New("truncated field")

// Wire types of the tagged-field grammar. Types 3, 4, 6 and 7 carry no
// length information and cannot be skipped.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5
)

// DecodeEnvelope decodes one feed message. It recognizes the header and the
// two entity submessages; every other field at any depth is skipped by wire
// type. The returned error is always ErrMalformedInput (wrapped with
// position detail) and means nothing usable could be taken from the stream.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	r := &reader{buf: data}
	env := &Envelope{}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return nil, malformed(r, err)
		}
		switch {
		case num == 1 && wt == wireBytes: // header
			raw, err := r.readBytes()
			if err != nil {
				return nil, malformed(r, err)
			}
			if ts, ok := decodeHeaderTimestamp(raw); ok {
				env.Timestamp = &ts
			}
		case num == 2 && wt == wireBytes: // entity
			raw, err := r.readBytes()
			if err != nil {
				return nil, malformed(r, err)
			}
			env.EntityCount++
			ent, err := decodeEntity(raw)
			if err != nil {
				env.SkippedEntities++
				continue
			}
			if ent != nil {
				env.Entities = append(env.Entities, ent)
			}
		default:
			if err := r.skipField(wt); err != nil {
				return nil, malformed(r, err)
			}
		}
	}
	return env, nil
}

func malformed(r *reader, err error) error {
	return fmt.Errorf("%w: %v at offset %d of %d", ErrMalformedInput, err, r.pos, len(r.buf))
}

func decodeHeaderTimestamp(raw []byte) (uint64, bool) {
	r := &reader{buf: raw}
	var ts uint64
	var found bool
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return 0, false
		}
		if num == 3 && wt == wireVarint { // timestamp
			v, err := r.readUvarint()
			if err != nil {
				return 0, false
			}
			ts, found = v, true
			continue
		}
		if err := r.skipField(wt); err != nil {
			return 0, false
		}
	}
	return ts, found
}

// decodeEntity returns the first recognized entity flavor in the record, or
// (nil, nil) when the record carries only flavors this decoder ignores.
func decodeEntity(raw []byte) (Entity, error) {
	r := &reader{buf: raw}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch {
		case num == 3 && wt == wireBytes: // trip_update
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			return decodeTripUpdate(sub)
		case num == 4 && wt == wireBytes: // vehicle
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			return decodeVehiclePosition(sub)
		default:
			if err := r.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

func decodeTripUpdate(raw []byte) (*TripDelayUpdate, error) {
	r := &reader{buf: raw}
	tu := &TripDelayUpdate{}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch {
		case num == 1 && wt == wireBytes: // trip
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			td, err := decodeTripDescriptor(sub)
			if err != nil {
				return nil, err
			}
			tu.TripID, tu.RouteID = td.tripID, td.routeID
			tu.StartTime, tu.StartDate = td.startTime, td.startDate
		case num == 2 && wt == wireBytes: // stop_time_update
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			stu, err := decodeStopTimeUpdate(sub)
			if err != nil {
				return nil, err
			}
			tu.StopUpdates = append(tu.StopUpdates, stu)
		case num == 4 && wt == wireVarint: // timestamp
			v, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			tu.Timestamp = &v
		case num == 5 && wt == wireVarint: // delay
			v, err := r.readInt32()
			if err != nil {
				return nil, err
			}
			tu.Delay = &v
		default:
			if err := r.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return tu, nil
}

func decodeStopTimeUpdate(raw []byte) (StopTimeUpdate, error) {
	r := &reader{buf: raw}
	var stu StopTimeUpdate
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return stu, err
		}
		switch {
		case num == 1 && wt == wireVarint: // stop_sequence
			v, err := r.readUint32()
			if err != nil {
				return stu, err
			}
			stu.StopSequence = &v
		case num == 2 && wt == wireBytes: // arrival
			sub, err := r.readBytes()
			if err != nil {
				return stu, err
			}
			if stu.ArrivalDelay, stu.ArrivalTime, err = decodeStopTimeEvent(sub); err != nil {
				return stu, err
			}
		case num == 3 && wt == wireBytes: // departure
			sub, err := r.readBytes()
			if err != nil {
				return stu, err
			}
			if stu.DepartureDelay, stu.DepartureTime, err = decodeStopTimeEvent(sub); err != nil {
				return stu, err
			}
		case num == 4 && wt == wireBytes: // stop_id
			s, err := r.readString()
			if err != nil {
				return stu, err
			}
			stu.StopID = s
		default:
			if err := r.skipField(wt); err != nil {
				return stu, err
			}
		}
	}
	return stu, nil
}

func decodeStopTimeEvent(raw []byte) (delay *int32, at *int64, err error) {
	r := &reader{buf: raw}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return nil, nil, err
		}
		switch {
		case num == 1 && wt == wireVarint: // delay
			v, err := r.readInt32()
			if err != nil {
				return nil, nil, err
			}
			delay = &v
		case num == 2 && wt == wireVarint: // time
			v, err := r.readInt64()
			if err != nil {
				return nil, nil, err
			}
			at = &v
		default:
			if err := r.skipField(wt); err != nil {
				return nil, nil, err
			}
		}
	}
	return delay, at, nil
}

func decodeVehiclePosition(raw []byte) (*VehiclePosition, error) {
	r := &reader{buf: raw}
	vp := &VehiclePosition{}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch {
		case num == 1 && wt == wireBytes: // trip
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			td, err := decodeTripDescriptor(sub)
			if err != nil {
				return nil, err
			}
			vp.TripID, vp.RouteID = td.tripID, td.routeID
		case num == 2 && wt == wireBytes: // position
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			if err := decodePosition(sub, vp); err != nil {
				return nil, err
			}
		case num == 3 && wt == wireVarint: // current_stop_sequence
			v, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			vp.CurrentStopSequence = &v
		case num == 5 && wt == wireVarint: // timestamp
			v, err := r.readUvarint()
			if err != nil {
				return nil, err
			}
			vp.Timestamp = &v
		case num == 7 && wt == wireBytes: // stop_id
			s, err := r.readString()
			if err != nil {
				return nil, err
			}
			vp.StopID = s
		case num == 8 && wt == wireBytes: // vehicle
			sub, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			if err := decodeVehicleDescriptor(sub, vp); err != nil {
				return nil, err
			}
		default:
			if err := r.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return vp, nil
}

func decodePosition(raw []byte, vp *VehiclePosition) error {
	r := &reader{buf: raw}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return err
		}
		switch {
		case num == 1 && wt == wireFixed32: // latitude
			v, err := r.readFloat32()
			if err != nil {
				return err
			}
			vp.Latitude = &v
		case num == 2 && wt == wireFixed32: // longitude
			v, err := r.readFloat32()
			if err != nil {
				return err
			}
			vp.Longitude = &v
		case num == 3 && wt == wireFixed32: // bearing
			v, err := r.readFloat32()
			if err != nil {
				return err
			}
			vp.Bearing = &v
		case num == 4 && wt == wireFixed64: // odometer
			v, err := r.readFloat64()
			if err != nil {
				return err
			}
			vp.Odometer = &v
		case num == 5 && wt == wireFixed32: // speed
			v, err := r.readFloat32()
			if err != nil {
				return err
			}
			vp.Speed = &v
		default:
			if err := r.skipField(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeVehicleDescriptor(raw []byte, vp *VehiclePosition) error {
	r := &reader{buf: raw}
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return err
		}
		switch {
		case num == 1 && wt == wireBytes: // id
			s, err := r.readString()
			if err != nil {
				return err
			}
			vp.VehicleID = s
		case num == 2 && wt == wireBytes: // label
			s, err := r.readString()
			if err != nil {
				return err
			}
			vp.VehicleLabel = s
		default:
			if err := r.skipField(wt); err != nil {
				return err
			}
		}
	}
	return nil
}

type tripDescriptor struct {
	tripID    string
	routeID   string
	startTime string
	startDate string
}

func decodeTripDescriptor(raw []byte) (tripDescriptor, error) {
	r := &reader{buf: raw}
	var td tripDescriptor
	for !r.done() {
		num, wt, err := r.readTag()
		if err != nil {
			return td, err
		}
		switch {
		case num == 1 && wt == wireBytes: // trip_id
			if td.tripID, err = r.readString(); err != nil {
				return td, err
			}
		case num == 2 && wt == wireBytes: // start_time
			if td.startTime, err = r.readString(); err != nil {
				return td, err
			}
		case num == 3 && wt == wireBytes: // start_date
			if td.startDate, err = r.readString(); err != nil {
				return td, err
			}
		case num == 5 && wt == wireBytes: // route_id
			if td.routeID, err = r.readString(); err != nil {
				return td, err
			}
		default:
			if err := r.skipField(wt); err != nil {
				return td, err
			}
		}
	}
	return td, nil
}

// reader is a cursor over one tagged-field region. Nested submessages get
// their own reader over the sub-slice, so a failure inside a bounded region
// never desynchronizes the outer cursor.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

func (r *reader) readTag() (num int, wt int, err error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), nil
}

func (r *reader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint", errTruncated)
	}
	r.pos += n
	return v, nil
}

func (r *reader) readBytes() ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)-r.pos) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d", errTruncated, n, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readFixed32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("%w: short fixed32", errTruncated)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readFixed64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("%w: short fixed64", errTruncated)
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// readInt32 reads a standard (non-zigzag) signed varint. Negative values
// arrive sign-extended to 64 bits.
func (r *reader) readInt32() (int32, error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	return int32(int64(v)), nil
}

func (r *reader) readInt64() (int64, error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	return int64(v), nil
}

func (r *reader) readUint32() (uint32, error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (r *reader) readFloat32() (float32, error) {
	v, err := r.readFixed32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *reader) readFloat64() (float64, error) {
	v, err := r.readFixed64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// skipField advances past one field's payload based on its wire type.
func (r *reader) skipField(wt int) error {
	switch wt {
	case wireVarint:
		_, err := r.readUvarint()
		return err
	case wireFixed64:
		_, err := r.readFixed64()
		return err
	case wireBytes:
		_, err := r.readBytes()
		return err
	case wireFixed32:
		_, err := r.readFixed32()
		return err
	default:
		return fmt.Errorf("unsupported wire type %d", wt)
	}
}
