package processor

// ConfidenceBand is the trust level shown next to a transcription
type ConfidenceBand string

const (
	BandHigh     ConfidenceBand = "high"
	BandModerate ConfidenceBand = "moderate"
	BandLow      ConfidenceBand = "low"
)

// BandFor maps a 0-100 confidence to its band: >=70 high, >=50 moderate, else low
func BandFor(confidence float64) ConfidenceBand {
	switch {
	case confidence >= 70:
		return BandHigh
	case confidence >= 50:
		return BandModerate
	default:
		return BandLow
	}
}

// Message is the reviewer-facing guidance for the band
func (b ConfidenceBand) Message() string {
	switch b {
	case BandHigh:
		return "High confidence transcription"
	case BandModerate:
		return "Moderate confidence, review the extracted text before grading"
	default:
		return "Low confidence, the image may be unclear; correct the text or request a clearer photo"
	}
}
