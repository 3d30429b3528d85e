package reports

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/ethpandaops/loadoor/pkg/apierr"
)

// CurrentStatsVersion is the newest stats payload layout this build reads.
// Payloads without a version are treated as version 1.
const CurrentStatsVersion = 1

// Stats is the decoded stats payload a runner reports per interval.
type Stats struct {
	Version            int              `json:"version"`
	Timestamp          string           `json:"timestamp,omitempty"`
	ScenariosCreated   int64            `json:"scenariosCreated"`
	ScenariosCompleted int64            `json:"scenariosCompleted"`
	RequestsCompleted  int64            `json:"requestsCompleted"`
	Latency            *Latency         `json:"latency,omitempty"`
	RPS                *RPS             `json:"rps,omitempty"`
	ScenarioDuration   *Latency         `json:"scenarioDuration,omitempty"`
	Codes              map[string]int64 `json:"codes,omitempty"`
	Errors             map[string]int64 `json:"errors,omitempty"`
}

// Latency holds a latency distribution in milliseconds.
type Latency struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// RPS holds request rate figures.
type RPS struct {
	Count float64 `json:"count"`
	Mean  float64 `json:"mean"`
}

// DecodeStats decodes a stored stats payload. An empty or null payload
// decodes to nil. Older runners sent numbers as strings, so decoding is
// weakly typed.
func DecodeStats(raw string) (*Stats, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, &apierr.DecodeError{Payload: "stats", Err: err}
	}

	if generic == nil {
		return nil, nil
	}

	var stats Stats

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &stats,
	})
	if err != nil {
		return nil, fmt.Errorf("creating stats decoder: %w", err)
	}

	if err := decoder.Decode(generic); err != nil {
		return nil, &apierr.DecodeError{Payload: "stats", Err: err}
	}

	if stats.Version == 0 {
		stats.Version = CurrentStatsVersion
	}

	if stats.Version > CurrentStatsVersion {
		return nil, &apierr.DecodeError{
			Payload: "stats",
			Err:     fmt.Errorf("unsupported version %d", stats.Version),
		}
	}

	return &stats, nil
}
