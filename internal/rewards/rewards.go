// Package rewards converts an approved verification verdict into
// contributor points and updates the user's cumulative record. Every
// factor comes from a closed table so the same verdict always awards
// the same points.
package rewards

import "math"

// Tier names, ordered lowest to highest.
const (
	TierContributor = "Contributor"
	TierBronze      = "Bronze"
	TierSilver      = "Silver"
	TierGold        = "Gold"
	TierPlatinum    = "Platinum"
	TierDiamond     = "Diamond"
	TierLegend      = "Legend"
)

// Award is the input handed over by the pipeline after a completed,
// approved run.
type Award struct {
	SessionID          string
	Contributor        string
	RarityScore        float64
	QualityScore       float64 // normalized to [0,1]
	SampleCount        int
	IsFirstBulk        bool
	SubjectRarityTier  string
	SpecificityGrade   string
	VerificationStatus string
}

// Multipliers is the breakdown persisted with each submission record.
type Multipliers struct {
	Quality      float64 `json:"quality"`
	Bulk         float64 `json:"bulk"`
	Subject      float64 `json:"subject"`
	Specificity  float64 `json:"specificity"`
	Verification float64 `json:"verification"`
	Early        float64 `json:"early"`
}

// Product returns the combined factor.
func (m Multipliers) Product() float64 {
	return m.Quality * m.Bulk * m.Subject * m.Specificity * m.Verification * m.Early
}

// ComputeMultipliers evaluates the five award-local factors. The early
// adopter factor depends on the global submission count and is filled
// in by the applier inside its transaction.
func ComputeMultipliers(a Award) Multipliers {
	return Multipliers{
		Quality:      qualityMultiplier(a.QualityScore),
		Bulk:         bulkMultiplier(a.SampleCount, a.IsFirstBulk),
		Subject:      subjectMultiplier(a.SubjectRarityTier),
		Specificity:  specificityMultiplier(a.SpecificityGrade),
		Verification: verificationMultiplier(a.VerificationStatus),
		Early:        1.0,
	}
}

// Points applies the full factor product to the rarity score, floored.
func Points(rarityScore float64, m Multipliers) int64 {
	if rarityScore < 0 {
		rarityScore = 0
	}
	return int64(math.Floor(rarityScore * m.Product()))
}

func qualityMultiplier(score float64) float64 {
	switch {
	case score >= 0.9:
		return 1.5
	case score >= 0.75:
		return 1.3
	case score >= 0.6:
		return 1.15
	case score >= 0.4:
		return 1.05
	default:
		return 1.0
	}
}

func bulkMultiplier(sampleCount int, isFirstBulk bool) float64 {
	if isFirstBulk && sampleCount >= 100 {
		return 2.0
	}
	if sampleCount >= 50 {
		return 1.2
	}
	return 1.0
}

func subjectMultiplier(tier string) float64 {
	switch tier {
	case "Critical":
		return 5.0
	case "High":
		return 3.0
	case "Medium":
		return 2.0
	case "Oversaturated":
		return 0.5
	default: // Standard
		return 1.0
	}
}

func specificityMultiplier(grade string) float64 {
	switch grade {
	case "A":
		return 1.3
	case "B":
		return 1.2
	case "C":
		return 1.1
	case "E", "F":
		return 1.0
	default: // D
		return 1.05
	}
}

func verificationMultiplier(status string) float64 {
	switch status {
	case "verified":
		return 1.2
	case "partially_verified":
		return 1.1
	default:
		return 1.0
	}
}

// EarlyMultiplier rewards contributions made while the platform is
// young, keyed on the global submission count at award time.
func EarlyMultiplier(globalSubmissions int64) float64 {
	switch {
	case globalSubmissions < 100:
		return 1.5
	case globalSubmissions < 500:
		return 1.3
	case globalSubmissions < 1000:
		return 1.2
	default:
		return 1.0
	}
}

// TierFor maps cumulative points onto the tier ladder.
func TierFor(totalPoints int64) string {
	switch {
	case totalPoints >= 100_000:
		return TierLegend
	case totalPoints >= 50_000:
		return TierDiamond
	case totalPoints >= 25_000:
		return TierPlatinum
	case totalPoints >= 10_000:
		return TierGold
	case totalPoints >= 5_000:
		return TierSilver
	case totalPoints >= 1_000:
		return TierBronze
	default:
		return TierContributor
	}
}

// rareSubject reports whether the tier counts toward the user's rare
// subject contributions.
func rareSubject(tier string) bool {
	return tier == "Critical" || tier == "High"
}
