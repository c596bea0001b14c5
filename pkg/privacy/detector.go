package privacy

import (
	"context"
	"regexp"
	"sort"
)

// Category names appear inside anonymization tokens ([EMAIL_1]) and in
// transparency reports; changing one is a wire-format change.
type Category string

const (
	CategoryName    Category = "NAME"
	CategoryAddress Category = "ADDRESS"
	CategoryPhone   Category = "PHONE"
	CategoryEmail   Category = "EMAIL"
	CategoryDOB     Category = "DOB"
	CategoryPremium Category = "PREMIUM"
	CategoryPolicy  Category = "POLICY_NUMBER"
	CategoryMedical Category = "MEDICAL"

	// CategoryDocument marks the conservative whole-document fallback
	// used when detection itself fails.
	CategoryDocument Category = "DOCUMENT"
)

// Detection is one PII span found in the input text.
type Detection struct {
	Category   Category
	Value      string
	Confidence float64
	Start      int
	End        int
}

// Detector finds PII spans in raw text.
type Detector interface {
	Detect(ctx context.Context, text string) ([]Detection, error)
}

// RegexDetector is the built-in rule-based detector.
type RegexDetector struct{}

// NewRegexDetector creates the rule-based detector.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{}
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	phoneRe = regexp.MustCompile(`(?:\+\d{1,3}[\s\-]?)?(?:\(\d{2,4}\)[\s\-]?)?\d{2,4}[\s\-]\d{3,4}[\s\-]?\d{3,6}`)

	dobRe = regexp.MustCompile(`\b\d{1,2}[./\-]\d{1,2}[./\-](?:19|20)\d{2}\b`)

	dobContextRe = regexp.MustCompile(`(?i)\b(?:date of birth|born|birth|dob|geboren)\b`)

	premiumRe = regexp.MustCompile(`(?:[$€£]\s?\d[\d,.]*|\b\d[\d,.]*\s?(?:EUR|USD|GBP|CHF)\b)`)

	policyNumberRe = regexp.MustCompile(`(?i)\b(?:policy|member|contract|account|versicherungs)[\s\-]*(?:no\.?|number|nummer|id|#)?[:#\s]\s*([A-Z0-9][A-Z0-9\-/]{5,})`)

	addressRe = regexp.MustCompile(`\b\d{1,5}\s+[A-Z][A-Za-z]+(?:\s[A-Z][A-Za-z]+)?\s+(?:Street|St\.?|Avenue|Ave\.?|Road|Rd\.?|Lane|Ln\.?|Drive|Dr\.?|Boulevard|Blvd\.?)\b|\b[A-Z][a-zäöüß]+(?:straße|strasse|weg|platz|allee|gasse)\s+\d{1,4}\b`)

	honorificNameRe = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof|Herr|Frau)\.?\s+[A-Z][a-zäöüß]+(?:\s+[A-Z][a-zäöüß]+)?`)

	plainNameRe = regexp.MustCompile(`\b[A-Z][a-zäöüß]+(?:\s+[A-Z][a-zäöüß]+)+\b`)

	medicalRe = regexp.MustCompile(`(?i)\b(?:diabetes|asthma|cancer|hypertension|depression|arthritis|epilepsy|migraine|allergy|allergies|cardiac|stroke|copd|hiv|hepatitis)\b`)
)

// nameStopwords keeps the plain capitalized-pair heuristic from eating
// common document phrases.
var nameStopwords = map[string]bool{
	"Insurance": true, "Policy": true, "Premium": true, "Coverage": true,
	"Health": true, "Life": true, "Annual": true, "Monthly": true,
	"Terms": true, "Conditions": true, "General": true, "Limited": true,
	"Company": true, "Group": true, "Member": true, "Number": true,
	"United": true, "New": true, "Date": true, "Birth": true,
	"Policyholder": true, "Insured": true, "Contact": true, "Deductible": true,
}

// Detect scans text for all PII categories.
func (*RegexDetector) Detect(_ context.Context, text string) ([]Detection, error) {
	var found []Detection

	found = append(found, matchAll(text, emailRe, CategoryEmail, 0.98)...)
	found = append(found, matchAll(text, honorificNameRe, CategoryName, 0.92)...)
	found = append(found, detectPlainNames(text)...)
	found = append(found, matchAll(text, addressRe, CategoryAddress, 0.85)...)
	found = append(found, matchAll(text, phoneRe, CategoryPhone, 0.85)...)
	found = append(found, detectDOB(text)...)
	found = append(found, matchAll(text, premiumRe, CategoryPremium, 0.80)...)
	found = append(found, detectPolicyNumbers(text)...)
	found = append(found, matchAll(text, medicalRe, CategoryMedical, 0.90)...)

	return resolveOverlaps(found), nil
}

func matchAll(text string, re *regexp.Regexp, cat Category, confidence float64) []Detection {
	var out []Detection
	for _, loc := range re.FindAllStringIndex(text, -1) {
		out = append(out, Detection{
			Category:   cat,
			Value:      text[loc[0]:loc[1]],
			Confidence: confidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

// detectPlainNames matches runs of capitalized words, then trims
// document vocabulary ("Policyholder Jane Smith") off both ends. A run
// must keep at least two words to count as a name.
func detectPlainNames(text string) []Detection {
	var out []Detection
	for _, loc := range plainNameRe.FindAllStringIndex(text, -1) {
		segment := text[loc[0]:loc[1]]
		words := wordSpans(segment)

		lo, hi := 0, len(words)-1
		for lo <= hi && nameStopwords[segment[words[lo][0]:words[lo][1]]] {
			lo++
		}
		for hi >= lo && nameStopwords[segment[words[hi][0]:words[hi][1]]] {
			hi--
		}
		if hi-lo < 1 {
			continue
		}

		start := loc[0] + words[lo][0]
		end := loc[0] + words[hi][1]
		out = append(out, Detection{
			Category:   CategoryName,
			Value:      text[start:end],
			Confidence: 0.65,
			Start:      start,
			End:        end,
		})
	}
	return out
}

// wordSpans returns the [start, end) offsets of whitespace-separated
// words within s.
func wordSpans(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			if start >= 0 {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}

// detectDOB raises confidence when birth-related context appears near
// the date; a bare date could be a policy date.
func detectDOB(text string) []Detection {
	var out []Detection
	for _, loc := range dobRe.FindAllStringIndex(text, -1) {
		confidence := 0.55
		windowStart := max(0, loc[0]-40)
		if dobContextRe.MatchString(text[windowStart:loc[0]]) {
			confidence = 0.95
		}
		out = append(out, Detection{
			Category:   CategoryDOB,
			Value:      text[loc[0]:loc[1]],
			Confidence: confidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

// detectPolicyNumbers uses the capture group so the label ("Policy No:")
// survives anonymization and only the identifier is replaced.
func detectPolicyNumbers(text string) []Detection {
	var out []Detection
	for _, m := range policyNumberRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[2], m[3]
		if start < 0 {
			continue
		}
		out = append(out, Detection{
			Category:   CategoryPolicy,
			Value:      text[start:end],
			Confidence: 0.90,
			Start:      start,
			End:        end,
		})
	}
	return out
}

// resolveOverlaps keeps at most one detection per text region, preferring
// higher confidence and, on ties, the longer span.
func resolveOverlaps(detections []Detection) []Detection {
	sort.SliceStable(detections, func(i, j int) bool {
		if detections[i].Confidence != detections[j].Confidence {
			return detections[i].Confidence > detections[j].Confidence
		}
		return (detections[i].End - detections[i].Start) > (detections[j].End - detections[j].Start)
	})

	var accepted []Detection
	for _, d := range detections {
		overlaps := false
		for _, a := range accepted {
			if d.Start < a.End && a.Start < d.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, d)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

// Verify interface compliance.
var _ Detector = (*RegexDetector)(nil)
