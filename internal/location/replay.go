package location

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/vladgets/roadmate-tracker/internal/monitoring"
	"github.com/vladgets/roadmate-tracker/internal/timeutil"
	"github.com/vladgets/roadmate-tracker/internal/track"
)

// ReplaySource plays back recorded fixes on the profile's interval,
// standing in for the platform location service during development. The
// fixture format is one fix per line:
//
//	lat,lon[,accuracy[,speed[,heading]]]
//
// Blank lines and lines starting with # are skipped.
type ReplaySource struct {
	fixes []track.Fix
	clock timeutil.Clock

	stop chan struct{}
}

// NewReplaySource builds a source from pre-parsed fixes.
func NewReplaySource(fixes []track.Fix, clock timeutil.Clock) *ReplaySource {
	return &ReplaySource{fixes: fixes, clock: clock}
}

// ParseFixtures parses replay fixture data.
func ParseFixtures(data []byte) ([]track.Fix, error) {
	var fixes []track.Fix
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			return nil, fmt.Errorf("fixture line %d: need at least lat,lon", lineNo)
		}

		var fix track.Fix
		var err error
		if fix.Lat, err = strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); err != nil {
			return nil, fmt.Errorf("fixture line %d: bad latitude: %w", lineNo, err)
		}
		if fix.Lon, err = strconv.ParseFloat(strings.TrimSpace(fields[1]), 64); err != nil {
			return nil, fmt.Errorf("fixture line %d: bad longitude: %w", lineNo, err)
		}
		for i, dst := range []**float64{&fix.Accuracy, &fix.Speed, &fix.Heading} {
			idx := i + 2
			if idx >= len(fields) || strings.TrimSpace(fields[idx]) == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
			if err != nil {
				return nil, fmt.Errorf("fixture line %d field %d: %w", lineNo, idx, err)
			}
			*dst = &v
		}
		fix.Source = "replay"
		fixes = append(fixes, fix)
	}
	return fixes, scanner.Err()
}

// Start begins playback at the profile interval. The fixture loops forever
// so long-running sessions keep receiving data.
func (r *ReplaySource) Start(params Params) (<-chan track.Fix, error) {
	out := make(chan track.Fix)
	r.stop = make(chan struct{})

	go func(stop chan struct{}) {
		defer close(out)
		if len(r.fixes) == 0 {
			return
		}
		ticker := r.clock.NewTicker(params.Interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-ticker.C():
				fix := r.fixes[i%len(r.fixes)]
				fix.Time = r.clock.Now()
				select {
				case out <- fix:
				case <-stop:
					return
				}
				i++
			case <-stop:
				return
			}
		}
	}(r.stop)

	monitoring.Logf("replay source started: %d fixes, interval %s", len(r.fixes), params.Interval)
	return out, nil
}

// Stop halts playback and closes the stream.
func (r *ReplaySource) Stop() {
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}
