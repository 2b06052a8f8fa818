package fit

// Global message numbers understood by the normalizer. Files may carry any
// global number; ones absent from the profile are skipped with a diagnostic.
const (
	MesgFileID     uint16 = 0
	MesgSession    uint16 = 18
	MesgLap        uint16 = 19
	MesgRecord     uint16 = 20
	MesgActivity   uint16 = 34
	MesgWeight     uint16 = 30
	MesgMonitoring uint16 = 55
	MesgSleepLevel uint16 = 275
)

// Well-known field numbers.
const (
	FieldTimestamp byte = 253

	FileIDType         byte = 0
	FileIDManufacturer byte = 1
	FileIDProduct      byte = 2
	FileIDSerial       byte = 3
	FileIDTimeCreated  byte = 4

	SessionStartTime    byte = 2
	SessionStartLat     byte = 3
	SessionStartLon     byte = 4
	SessionSport        byte = 5
	SessionElapsedTime  byte = 7
	SessionTimerTime    byte = 8
	SessionDistance     byte = 9
	SessionCalories     byte = 11
	SessionAvgHeartRate byte = 16
	SessionMaxHeartRate byte = 17
	SessionTotalAscent  byte = 22
	SessionTotalDescent byte = 23
	SessionNumLaps      byte = 26

	LapStartTime   byte = 2
	LapElapsedTime byte = 7
	LapDistance    byte = 9

	RecordPositionLat byte = 0
	RecordPositionLon byte = 1
	RecordHeartRate   byte = 3
	RecordDistance    byte = 5
	RecordSpeed       byte = 6

	MonitoringSteps            byte = 3
	MonitoringIntensityMinutes byte = 4
	MonitoringHeartRate        byte = 27
	MonitoringSampleDuration   byte = 30

	WeightScaleWeight byte = 0

	SleepLevelStage byte = 0
)

// Semicircle positions encode 180 degrees across the positive int32 range.
const semicirclesPerDegree = float64(1<<31) / 180.0

// fieldProfile declares how a raw field value becomes a typed value:
// scale and offset are applied as value = raw/scale - offset.
type fieldProfile struct {
	name        string
	scale       float64
	offset      float64
	units       string
	isTimestamp bool
}

// messageProfile names a global message and its known fields. Field layout
// (sizes, base types, ordering) is never taken from the profile; it always
// comes from the in-stream definition records.
type messageProfile struct {
	name   string
	fields map[byte]fieldProfile
}

var messageProfiles = map[uint16]messageProfile{
	MesgFileID: {
		name: "file_id",
		fields: map[byte]fieldProfile{
			FileIDType:         {name: "type"},
			FileIDManufacturer: {name: "manufacturer"},
			FileIDProduct:      {name: "product"},
			FileIDSerial:       {name: "serial_number"},
			FileIDTimeCreated:  {name: "time_created", isTimestamp: true},
		},
	},
	MesgSession: {
		name: "session",
		fields: map[byte]fieldProfile{
			FieldTimestamp:      {name: "timestamp", isTimestamp: true},
			SessionStartTime:    {name: "start_time", isTimestamp: true},
			SessionStartLat:     {name: "start_position_lat", scale: semicirclesPerDegree, units: "degrees"},
			SessionStartLon:     {name: "start_position_long", scale: semicirclesPerDegree, units: "degrees"},
			SessionSport:        {name: "sport"},
			SessionElapsedTime:  {name: "total_elapsed_time", scale: 1000, units: "s"},
			SessionTimerTime:    {name: "total_timer_time", scale: 1000, units: "s"},
			SessionDistance:     {name: "total_distance", scale: 100, units: "m"},
			SessionCalories:     {name: "total_calories", units: "kcal"},
			SessionAvgHeartRate: {name: "avg_heart_rate", units: "bpm"},
			SessionMaxHeartRate: {name: "max_heart_rate", units: "bpm"},
			SessionTotalAscent:  {name: "total_ascent", units: "m"},
			SessionTotalDescent: {name: "total_descent", units: "m"},
			SessionNumLaps:      {name: "num_laps"},
		},
	},
	MesgLap: {
		name: "lap",
		fields: map[byte]fieldProfile{
			FieldTimestamp: {name: "timestamp", isTimestamp: true},
			LapStartTime:   {name: "start_time", isTimestamp: true},
			LapElapsedTime: {name: "total_elapsed_time", scale: 1000, units: "s"},
			LapDistance:    {name: "total_distance", scale: 100, units: "m"},
		},
	},
	MesgRecord: {
		name: "record",
		fields: map[byte]fieldProfile{
			FieldTimestamp:    {name: "timestamp", isTimestamp: true},
			RecordPositionLat: {name: "position_lat", scale: semicirclesPerDegree, units: "degrees"},
			RecordPositionLon: {name: "position_long", scale: semicirclesPerDegree, units: "degrees"},
			RecordHeartRate:   {name: "heart_rate", units: "bpm"},
			RecordDistance:    {name: "distance", scale: 100, units: "m"},
			RecordSpeed:       {name: "speed", scale: 1000, units: "m/s"},
		},
	},
	MesgActivity: {
		name: "activity",
		fields: map[byte]fieldProfile{
			FieldTimestamp: {name: "timestamp", isTimestamp: true},
			1:              {name: "num_sessions"},
		},
	},
	MesgWeight: {
		name: "weight_scale",
		fields: map[byte]fieldProfile{
			FieldTimestamp:    {name: "timestamp", isTimestamp: true},
			WeightScaleWeight: {name: "weight", scale: 100, units: "kg"},
		},
	},
	MesgMonitoring: {
		name: "monitoring",
		fields: map[byte]fieldProfile{
			FieldTimestamp:             {name: "timestamp", isTimestamp: true},
			MonitoringSteps:            {name: "steps"},
			MonitoringIntensityMinutes: {name: "intensity_minutes", units: "min"},
			MonitoringHeartRate:        {name: "heart_rate", units: "bpm"},
			MonitoringSampleDuration:   {name: "sample_duration", units: "s"},
		},
	},
	MesgSleepLevel: {
		name: "sleep_level",
		fields: map[byte]fieldProfile{
			FieldTimestamp:  {name: "timestamp", isTimestamp: true},
			SleepLevelStage: {name: "sleep_level"},
		},
	},
}

// SleepStageName maps on-wire sleep level codes to stage names.
func SleepStageName(level int64) string {
	switch level {
	case 1:
		return "awake"
	case 2:
		return "light"
	case 3:
		return "deep"
	case 4:
		return "rem"
	default:
		return "unmeasurable"
	}
}

// SportName maps on-wire sport codes to names.
func SportName(sport int64) string {
	switch sport {
	case 1:
		return "running"
	case 2:
		return "cycling"
	case 5:
		return "swimming"
	case 11:
		return "walking"
	case 17:
		return "hiking"
	default:
		return "generic"
	}
}
