package aggregate

// numericStat accumulates count, sum, and extrema for one optional numeric
// field. A sample with the field missing is never added, which keeps it out
// of this stat without affecting any other stat of the same bucket.
type numericStat struct {
	n   int64
	sum float64
	min float64
	max float64
}

func (s *numericStat) add(v float64) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.n++
	s.sum += v
}

// mean is the true mean over every added sample. Daily stats are fed the
// same samples as hourly ones, never the hourly averages.
func (s *numericStat) mean() (float64, bool) {
	if s.n == 0 {
		return 0, false
	}
	return s.sum / float64(s.n), true
}

func (s *numericStat) avgPtr() *float64 {
	v, ok := s.mean()
	if !ok {
		return nil
	}
	return &v
}

func (s *numericStat) minPtr() *float64 {
	if s.n == 0 {
		return nil
	}
	v := s.min
	return &v
}

func (s *numericStat) maxPtr() *float64 {
	if s.n == 0 {
		return nil
	}
	v := s.max
	return &v
}

// delayAcc collects trip update samples for one (hour, route, stop) cell.
// comp is the full composite key; it disambiguates 64-bit hash collisions.
type delayAcc struct {
	comp    string
	hour    int
	routeID string
	stopID  string

	samples   int64
	arrival   numericStat
	departure numericStat
}

// positionAcc collects vehicle position samples for one
// (hour, route, vehicle) cell.
type positionAcc struct {
	comp      string
	hour      int
	routeID   string
	vehicleID string

	samples int64
	lat     numericStat
	lon     numericStat
	bearing numericStat
	speed   numericStat
}
