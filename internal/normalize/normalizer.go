// Package normalize maps decoded telemetry messages into source-agnostic
// domain records. Mapping is pure with respect to storage: the normalizer
// holds only per-file composition state and never touches a database.
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/fit"
)

// pendingActivity buffers one session's composed fields until the
// session-close message arrives.
type pendingActivity struct {
	activity domain.Activity
	complete bool
}

// sleepRun tracks the current contiguous run of one sleep stage.
type sleepRun struct {
	stage string
	start time.Time
	last  time.Time
}

// Normalizer composes messages from one file into domain records. Sessions
// are buffered in a keyed arena and emitted at close messages; incomplete or
// unrecognized sessions are dropped with a recorded warning.
type Normalizer struct {
	source domain.Source

	deviceSerial uint64
	laps         map[int64]int

	sessions     map[int64]*pendingActivity
	sessionOrder []int64

	sleep *sleepRun

	warnings []string
}

// New returns a Normalizer for one file from the given source.
func New(source domain.Source) *Normalizer {
	return &Normalizer{
		source:   source,
		laps:     map[int64]int{},
		sessions: map[int64]*pendingActivity{},
	}
}

// Apply folds one message into the normalizer and returns any records that
// became complete. Most messages return nothing; session-close and sleep
// stage transitions emit composed records.
func (n *Normalizer) Apply(msg *fit.Message) []domain.Record {
	switch msg.MesgNum {
	case fit.MesgFileID:
		if serial, ok := msg.Fields[fit.FileIDSerial]; ok {
			if value, isInt := serial.Int64(); isInt {
				n.deviceSerial = uint64(value)
			}
		}
		return nil
	case fit.MesgLap:
		n.applyLap(msg)
		return nil
	case fit.MesgSession:
		n.applySession(msg)
		return nil
	case fit.MesgActivity:
		return n.closeSessions()
	case fit.MesgMonitoring:
		return n.applyMonitoring(msg)
	case fit.MesgWeight:
		return n.applyWeight(msg)
	case fit.MesgSleepLevel:
		return n.applySleepLevel(msg)
	default:
		return nil
	}
}

// Close flushes composition state at end of file. Open sleep runs are
// emitted; sessions never closed by an activity message are dropped with a
// warning, matching the treatment of partial sessions.
func (n *Normalizer) Close() []domain.Record {
	var records []domain.Record
	if n.sleep != nil {
		records = append(records, n.finishSleepRun())
	}
	for _, startUnix := range n.sessionOrder {
		n.warn("dropping session %d: file ended before session close", startUnix)
		delete(n.sessions, startUnix)
	}
	n.sessionOrder = nil
	return records
}

// Warnings returns the drop diagnostics recorded so far.
func (n *Normalizer) Warnings() []string {
	return n.warnings
}

func (n *Normalizer) warn(format string, args ...any) {
	n.warnings = append(n.warnings, fmt.Sprintf(format, args...))
}

func (n *Normalizer) applyLap(msg *fit.Message) {
	start := msg.FieldTime(fit.LapStartTime)
	if start.IsZero() {
		n.warn("dropping lap without start time")
		return
	}
	// Laps precede their session; counted against it once the session
	// message declares its time range.
	n.laps[start.Unix()]++
}

func (n *Normalizer) applySession(msg *fit.Message) {
	start := msg.FieldTime(fit.SessionStartTime)
	if start.IsZero() {
		n.warn("dropping session without start time")
		return
	}
	duration := msg.FieldFloat64(fit.SessionElapsedTime, 0)
	if duration <= 0 {
		n.warn("dropping session at %s: missing elapsed time", start.Format(time.RFC3339))
		return
	}

	sport := fit.SportName(msg.FieldInt64(fit.SessionSport, -1))

	activity := domain.Activity{
		Source:          n.source.String(),
		ExternalID:      n.activityExternalID(start),
		StartTime:       start,
		DurationSeconds: duration,
		DistanceMeters:  msg.FieldFloat64(fit.SessionDistance, 0),
		AscentMeters:    msg.FieldFloat64(fit.SessionTotalAscent, 0),
		DescentMeters:   msg.FieldFloat64(fit.SessionTotalDescent, 0),
		Sport:           sport,
		Calories:        msg.FieldInt64(fit.SessionCalories, 0),
		AvgHeartRate:    msg.FieldInt64(fit.SessionAvgHeartRate, 0),
		MaxHeartRate:    msg.FieldInt64(fit.SessionMaxHeartRate, 0),
		StartLatitude:   msg.FieldFloat64(fit.SessionStartLat, 0),
		StartLongitude:  msg.FieldFloat64(fit.SessionStartLon, 0),
		Laps:            msg.FieldInt64(fit.SessionNumLaps, 0),
	}

	if activity.Laps == 0 {
		activity.Laps = int64(n.claimLaps(start, duration))
	}

	key := start.Unix()
	if _, exists := n.sessions[key]; !exists {
		n.sessionOrder = append(n.sessionOrder, key)
	}
	n.sessions[key] = &pendingActivity{activity: activity, complete: true}
}

// claimLaps counts buffered laps whose start falls inside the session window.
func (n *Normalizer) claimLaps(start time.Time, durationSeconds float64) int {
	end := start.Add(time.Duration(durationSeconds * float64(time.Second)))
	claimed := 0
	for lapStart, count := range n.laps {
		t := time.Unix(lapStart, 0).UTC()
		if !t.Before(start) && !t.After(end) {
			claimed += count
			delete(n.laps, lapStart)
		}
	}
	return claimed
}

func (n *Normalizer) closeSessions() []domain.Record {
	var records []domain.Record
	for _, key := range n.sessionOrder {
		pending := n.sessions[key]
		delete(n.sessions, key)
		if pending == nil || !pending.complete {
			n.warn("dropping incomplete session %d", key)
			continue
		}
		records = append(records, pending.activity)
	}
	n.sessionOrder = nil
	return records
}

func (n *Normalizer) applyMonitoring(msg *fit.Message) []domain.Record {
	if msg.Timestamp.IsZero() {
		n.warn("dropping monitoring sample without timestamp")
		return nil
	}
	sample := domain.MonitoringSample{
		Source:           n.source.String(),
		ExternalID:       strconv.FormatInt(msg.Timestamp.Unix(), 10),
		Timestamp:        msg.Timestamp,
		HeartRate:        msg.FieldInt64(fit.MonitoringHeartRate, 0),
		Steps:            msg.FieldInt64(fit.MonitoringSteps, 0),
		IntensityMinutes: msg.FieldInt64(fit.MonitoringIntensityMinutes, 0),
		DurationSeconds:  msg.FieldFloat64(fit.MonitoringSampleDuration, 0),
	}
	return []domain.Record{sample}
}

func (n *Normalizer) applyWeight(msg *fit.Message) []domain.Record {
	if msg.Timestamp.IsZero() {
		n.warn("dropping weight entry without timestamp")
		return nil
	}
	weight := msg.FieldFloat64(fit.WeightScaleWeight, 0)
	if weight <= 0 {
		n.warn("dropping weight entry at %s: missing value", msg.Timestamp.Format(time.RFC3339))
		return nil
	}
	entry := domain.WeightEntry{
		Source:     n.source.String(),
		ExternalID: strconv.FormatInt(msg.Timestamp.Unix(), 10),
		Timestamp:  msg.Timestamp,
		WeightKg:   weight,
	}
	return []domain.Record{entry}
}

func (n *Normalizer) applySleepLevel(msg *fit.Message) []domain.Record {
	if msg.Timestamp.IsZero() {
		n.warn("dropping sleep level without timestamp")
		return nil
	}
	stage := fit.SleepStageName(msg.FieldInt64(fit.SleepLevelStage, -1))

	if n.sleep == nil {
		n.sleep = &sleepRun{stage: stage, start: msg.Timestamp, last: msg.Timestamp}
		return nil
	}

	if n.sleep.stage == stage {
		n.sleep.last = msg.Timestamp
		return nil
	}

	// Stage transition closes the current run at the transition timestamp.
	finished := domain.SleepPeriod{
		Source:     n.source.String(),
		ExternalID: strconv.FormatInt(n.sleep.start.Unix(), 10),
		Start:      n.sleep.start,
		End:        msg.Timestamp,
		Stage:      n.sleep.stage,
	}
	n.sleep = &sleepRun{stage: stage, start: msg.Timestamp, last: msg.Timestamp}
	return []domain.Record{finished}
}

func (n *Normalizer) finishSleepRun() domain.Record {
	run := n.sleep
	n.sleep = nil
	return domain.SleepPeriod{
		Source:     n.source.String(),
		ExternalID: strconv.FormatInt(run.start.Unix(), 10),
		Start:      run.start,
		End:        run.last,
		Stage:      run.stage,
	}
}

func (n *Normalizer) activityExternalID(start time.Time) string {
	if n.deviceSerial != 0 {
		return fmt.Sprintf("%d-%d", n.deviceSerial, start.Unix())
	}
	return strconv.FormatInt(start.Unix(), 10)
}
