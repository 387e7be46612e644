package parser

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Unknown is the sentinel stored for any text field the model's response
// did not contain.
const Unknown = "unknown"

// ErrNoFields is returned when the response contains no recognizable
// diagnosis fields at all. An all-unknown result is never persisted.
var ErrNoFields = errors.New("no recognizable diagnosis fields in response")

// Result represents the diagnosis fields extracted from a model response.
type Result struct {
	PlantName       string
	DiseaseName     string
	Confidence      float64
	ConfidenceLabel string
	Treatment       string
}

type field int

const (
	fieldNone field = iota
	fieldPlant
	fieldDisease
	fieldConfidence
	fieldTreatment
)

// headerSynonyms is the enumerated table of accepted section headers. The
// model is instructed to use the canonical names, but responses drift; any
// synonym here is accepted case-insensitively.
var headerSynonyms = map[string]field{
	"plant":            fieldPlant,
	"plant name":       fieldPlant,
	"plant species":    fieldPlant,
	"species":          fieldPlant,
	"disease":          fieldDisease,
	"disease name":     fieldDisease,
	"diagnosis":        fieldDisease,
	"condition":        fieldDisease,
	"problem":          fieldDisease,
	"issue":            fieldDisease,
	"confidence":       fieldConfidence,
	"confidence level": fieldConfidence,
	"certainty":        fieldConfidence,
	"treatment":        fieldTreatment,
	"treatment plan":   fieldTreatment,
	"recommendation":   fieldTreatment,
	"recommendations":  fieldTreatment,
	"remedy":           fieldTreatment,
	"care":             fieldTreatment,
}

// confidenceWords is the enumerated mapping from categorical confidence
// wording to a numeric value. Anything outside this table, a percentage, or
// a bare decimal normalizes to 0 / "unknown".
var confidenceWords = map[string]float64{
	"high":      0.9,
	"very high": 0.9,
	"certain":   0.9,
	"confident": 0.9,
	"medium":    0.6,
	"moderate":  0.6,
	"likely":    0.6,
	"low":       0.3,
	"unlikely":  0.3,
	"uncertain": 0.3,
	"unsure":    0.3,
}

// Parse extracts diagnosis fields from a model response. It is pure and
// total: the same input always yields the same output and no input panics.
// Fields that cannot be located degrade to the Unknown sentinel; if nothing
// is recognizable the whole call fails with ErrNoFields.
func Parse(response string) (*Result, error) {
	content := ExtractFromMarkdown(strings.TrimSpace(response))
	if content == "" {
		return nil, ErrNoFields
	}

	if strings.HasPrefix(content, "{") {
		if res, err := parseJSON(content); err == nil {
			return res, nil
		}
		// Malformed or unrecognized JSON still gets the labeled-line scan;
		// models sometimes emit labeled prose around a broken object.
	}

	return parseLabeled(content)
}

// ExtractFromMarkdown strips a surrounding markdown code fence, returning
// the fenced payload if one is present and the input unchanged otherwise.
func ExtractFromMarkdown(response string) string {
	const marker = "```"

	startIdx := strings.Index(response, marker)
	if startIdx == -1 {
		return strings.TrimSpace(response)
	}

	rest := response[startIdx+len(marker):]
	endIdx := strings.Index(rest, marker)
	if endIdx == -1 {
		return strings.TrimSpace(response)
	}
	content := rest[:endIdx]

	// Drop a language identifier line such as "json" or "text".
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		if first == "json" || first == "text" || first == "" {
			content = strings.Join(lines[1:], "\n")
		}
	}

	return strings.TrimSpace(content)
}

// parseJSON handles the case where the model ignored the labeled-section
// instruction and answered with a JSON object.
func parseJSON(content string) (*Result, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return nil, err
	}

	res := &Result{
		PlantName:       Unknown,
		DiseaseName:     Unknown,
		ConfidenceLabel: Unknown,
		Treatment:       Unknown,
	}
	found := 0

	for key, value := range obj {
		f, ok := headerSynonyms[normalizeHeader(strings.ReplaceAll(key, "_", " "))]
		if !ok {
			continue
		}
		text := stringValue(value)
		if text == "" {
			continue
		}
		if assign(res, f, text) {
			found++
		}
	}

	if found == 0 {
		return nil, ErrNoFields
	}
	return res, nil
}

// parseLabeled scans "Header: value" lines. Treatment text may continue
// over following unlabeled lines.
func parseLabeled(content string) (*Result, error) {
	res := &Result{
		PlantName:       Unknown,
		DiseaseName:     Unknown,
		ConfidenceLabel: Unknown,
		Treatment:       Unknown,
	}
	found := 0
	current := fieldNone

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		header, value, ok := splitHeader(line)
		if ok {
			if f, known := headerSynonyms[header]; known {
				if assign(res, f, value) {
					found++
					current = f
				} else {
					current = fieldNone
				}
				continue
			}
		}

		// Unlabeled line: only the treatment section spans multiple lines.
		if current == fieldTreatment {
			res.Treatment += "\n" + line
		}
	}

	if found == 0 {
		return nil, ErrNoFields
	}
	return res, nil
}

// splitHeader splits "Header: value" and normalizes the header, tolerating
// markdown bullets, bold markers and uneven whitespace.
func splitHeader(line string) (header, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	header = normalizeHeader(line[:idx])
	if header == "" {
		return "", "", false
	}
	return header, strings.TrimSpace(line[idx+1:]), true
}

func normalizeHeader(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.Trim(h, "-*#>• \t")
	return strings.Join(strings.Fields(h), " ")
}

// assign sets the field on res if it is still unset. Returns whether the
// value was taken; repeated headers keep the first occurrence.
func assign(res *Result, f field, value string) bool {
	if value == "" {
		return false
	}
	switch f {
	case fieldPlant:
		if res.PlantName != Unknown {
			return false
		}
		res.PlantName = value
	case fieldDisease:
		if res.DiseaseName != Unknown {
			return false
		}
		res.DiseaseName = value
	case fieldConfidence:
		if res.ConfidenceLabel != Unknown {
			return false
		}
		res.Confidence, res.ConfidenceLabel = NormalizeConfidence(value)
		if res.ConfidenceLabel == Unknown {
			return false
		}
	case fieldTreatment:
		if res.Treatment != Unknown {
			return false
		}
		res.Treatment = value
	default:
		return false
	}
	return true
}

// NormalizeConfidence maps free-text confidence to a value in [0,1] plus a
// categorical label. Accepted forms are the enumerated words, "NN%", and a
// bare decimal; everything else is (0, "unknown").
func NormalizeConfidence(raw string) (float64, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimRight(s, ".")

	if v, ok := confidenceWords[s]; ok {
		return v, labelFor(v)
	}

	if strings.HasSuffix(s, "%") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64); err == nil && v >= 0 && v <= 100 {
			return v / 100, labelFor(v / 100)
		}
		return 0, Unknown
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil && v >= 0 && v <= 1 {
		return v, labelFor(v)
	}

	return 0, Unknown
}

func labelFor(v float64) string {
	switch {
	case v >= 0.75:
		return "high"
	case v >= 0.45:
		return "medium"
	default:
		return "low"
	}
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		var parts []string
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, strings.TrimSpace(s))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
