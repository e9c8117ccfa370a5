package service

import (
	"encoding/json"
	"regexp"
	"strings"
)

// RepairStage identifies how much cleanup a model response needed before it
// parsed. Anything past RepairNone is logged; recurring repairs indicate
// prompt drift.
type RepairStage string

const (
	RepairNone     RepairStage = "none"
	RepairFences   RepairStage = "strip_fences"
	RepairExtract  RepairStage = "extract_span"
	RepairFixups   RepairStage = "syntax_fixups"
	RepairLastPass RepairStage = "quote_bare_values"
)

var (
	fenceRe        = regexp.MustCompile("(?i)```json|```")
	smartQuoteRe   = regexp.MustCompile("[“”«»„]")
	singleQuotedRe = regexp.MustCompile(`'([^']*)'`)
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	doubleCommaRe  = regexp.MustCompile(`,,+`)
	unquotedKeyRe  = regexp.MustCompile(`([{,]\s*)([A-Za-z0-9_\- ]+?)\s*:`)
	bareValueRe    = regexp.MustCompile(`:\s*([^",\}\]\n]+?)\s*(,|\}|\])`)
)

// repairJSON runs a bounded chain of normalization passes over raw model
// output until the result unmarshals into v. It reports the last stage
// applied; on exhaustion it returns an UpstreamMalformed error carrying the
// final parse failure.
func repairJSON(raw string, v interface{}) (RepairStage, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return RepairNone, &UpstreamError{Kind: UpstreamMalformed, Msg: "empty model output"}
	}

	if json.Unmarshal([]byte(text), v) == nil {
		return RepairNone, nil
	}

	// Stage 1: markdown code fences around the payload.
	text = strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
	if json.Unmarshal([]byte(text), v) == nil {
		return RepairFences, nil
	}

	// Stage 2: first bracketed span, dropping prose before and after.
	span := extractBracketedSpan(text)
	if span == "" {
		return RepairExtract, &UpstreamError{Kind: UpstreamMalformed, Msg: "no JSON span in model output"}
	}
	text = span
	if json.Unmarshal([]byte(text), v) == nil {
		return RepairExtract, nil
	}

	// Stage 3: common syntax mistakes (smart quotes, single quotes,
	// trailing or doubled commas, unquoted keys).
	text = strings.NewReplacer("\n", " ", "\t", " ", "\r", "").Replace(text)
	text = smartQuoteRe.ReplaceAllString(text, `"`)
	text = singleQuotedRe.ReplaceAllString(text, `"$1"`)
	text = trailingComma.ReplaceAllString(text, "$1")
	text = doubleCommaRe.ReplaceAllString(text, ",")
	text = unquotedKeyRe.ReplaceAllStringFunc(text, quoteKey)
	if json.Unmarshal([]byte(text), v) == nil {
		return RepairFixups, nil
	}

	// Stage 4: last chance, wrap bare word values in quotes.
	text = bareValueRe.ReplaceAllString(text, `:"$1"$2`)
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return RepairLastPass, &UpstreamError{
			Kind: UpstreamMalformed,
			Msg:  "model output unparseable after repair: " + err.Error(),
			Err:  err,
		}
	}
	return RepairLastPass, nil
}

// extractBracketedSpan returns the substring from the first { or [ to the
// matching last } or ], or empty when no bracket pair exists.
func extractBracketedSpan(text string) string {
	objStart := strings.IndexByte(text, '{')
	arrStart := strings.IndexByte(text, '[')

	start := objStart
	closer := byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start = arrStart
		closer = ']'
	}
	if start < 0 {
		return ""
	}

	end := strings.LastIndexByte(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

func quoteKey(match string) string {
	sub := unquotedKeyRe.FindStringSubmatch(match)
	if sub == nil {
		return match
	}
	key := strings.TrimSpace(sub[2])
	if strings.HasPrefix(key, `"`) || strings.HasPrefix(key, "'") {
		return match
	}
	return sub[1] + `"` + key + `":`
}
