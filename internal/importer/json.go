package importer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openfitlab/fitstore/internal/domain"
)

// jsonExport is the shape of wearable and phone-health platform exports.
// Providers that do not emit binary telemetry deliver their data this way;
// the records flow through the same merge engine afterwards.
type jsonExport struct {
	Activities []jsonActivity   `json:"activities"`
	Monitoring []jsonMonitoring `json:"monitoring"`
	Sleep      []jsonSleep      `json:"sleep"`
	Weight     []jsonWeight     `json:"weight"`
}

type jsonActivity struct {
	ID              string    `json:"id"`
	StartTime       time.Time `json:"start_time"`
	DurationSeconds float64   `json:"duration_s"`
	DistanceMeters  float64   `json:"distance_m"`
	AscentMeters    float64   `json:"ascent_m"`
	Sport           string    `json:"sport"`
	Calories        int64     `json:"calories"`
	AvgHeartRate    int64     `json:"avg_heart_rate"`
	MaxHeartRate    int64     `json:"max_heart_rate"`
}

type jsonMonitoring struct {
	Timestamp        time.Time `json:"timestamp"`
	HeartRate        int64     `json:"heart_rate"`
	Steps            int64     `json:"steps"`
	IntensityMinutes int64     `json:"intensity_minutes"`
	DurationSeconds  float64   `json:"duration_s"`
}

type jsonSleep struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Stage string    `json:"stage"`
}

type jsonWeight struct {
	Timestamp time.Time `json:"timestamp"`
	WeightKg  float64   `json:"weight_kg"`
}

// decodeJSONExport parses a JSON export into per-category batches. Entries
// failing domain validation become warnings at merge time; structural
// failure of the document is a FormatError for the whole file.
func decodeJSONExport(file File) decodedFile {
	var export jsonExport
	if err := json.Unmarshal(file.Data, &export); err != nil {
		return decodedFile{file: file, err: domain.NewFormatError(file.Name, "malformed JSON export", err)}
	}

	batches := map[domain.Category][]domain.Record{}
	var warnings []string

	for _, activity := range export.Activities {
		externalID := activity.ID
		if externalID == "" {
			if activity.StartTime.IsZero() {
				warnings = append(warnings, "dropping activity without id or start time")
				continue
			}
			externalID = strconv.FormatInt(activity.StartTime.Unix(), 10)
		}
		batches[domain.CategoryActivity] = append(batches[domain.CategoryActivity], domain.Activity{
			Source:          file.Source.String(),
			ExternalID:      externalID,
			StartTime:       activity.StartTime.UTC(),
			DurationSeconds: activity.DurationSeconds,
			DistanceMeters:  activity.DistanceMeters,
			AscentMeters:    activity.AscentMeters,
			Sport:           activity.Sport,
			Calories:        activity.Calories,
			AvgHeartRate:    activity.AvgHeartRate,
			MaxHeartRate:    activity.MaxHeartRate,
		})
	}

	for _, sample := range export.Monitoring {
		if sample.Timestamp.IsZero() {
			warnings = append(warnings, "dropping monitoring sample without timestamp")
			continue
		}
		batches[domain.CategoryMonitoring] = append(batches[domain.CategoryMonitoring], domain.MonitoringSample{
			Source:           file.Source.String(),
			ExternalID:       strconv.FormatInt(sample.Timestamp.Unix(), 10),
			Timestamp:        sample.Timestamp.UTC(),
			HeartRate:        sample.HeartRate,
			Steps:            sample.Steps,
			IntensityMinutes: sample.IntensityMinutes,
			DurationSeconds:  sample.DurationSeconds,
		})
	}

	for _, period := range export.Sleep {
		if period.Start.IsZero() {
			warnings = append(warnings, "dropping sleep period without start")
			continue
		}
		batches[domain.CategorySleep] = append(batches[domain.CategorySleep], domain.SleepPeriod{
			Source:     file.Source.String(),
			ExternalID: strconv.FormatInt(period.Start.Unix(), 10),
			Start:      period.Start.UTC(),
			End:        period.End.UTC(),
			Stage:      period.Stage,
		})
	}

	for _, entry := range export.Weight {
		if entry.Timestamp.IsZero() {
			warnings = append(warnings, fmt.Sprintf("dropping weight entry %.2f without timestamp", entry.WeightKg))
			continue
		}
		batches[domain.CategoryWeight] = append(batches[domain.CategoryWeight], domain.WeightEntry{
			Source:     file.Source.String(),
			ExternalID: strconv.FormatInt(entry.Timestamp.Unix(), 10),
			Timestamp:  entry.Timestamp.UTC(),
			WeightKg:   entry.WeightKg,
		})
	}

	return decodedFile{file: file, batches: batches, warnings: warnings}
}
