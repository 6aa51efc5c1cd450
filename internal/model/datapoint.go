package model

type DataPoint struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Unit    string `json:"unit,omitempty"`
	Quality string `json:"quality"`
}

const (
	QualityGood = "good"
	QualityBad  = "bad"
	// QualityUnknown marks values replayed from an earlier accepted sample.
	QualityUnknown = "unknown"
)
