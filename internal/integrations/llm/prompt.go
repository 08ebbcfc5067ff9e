package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const maxExamplesPerIntent = 5

type intentResponse struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields"`
}

func buildIntentPrompts(req Request) (string, string) {
	var intents []string
	for intent := range req.Examples {
		intents = append(intents, intent)
	}
	for _, h := range req.Hints {
		if _, ok := req.Examples[h]; !ok {
			intents = append(intents, h)
		}
	}
	sort.Strings(intents)

	var sys strings.Builder
	sys.WriteString("You classify what a caller to a restaurant phone line wants.\n")
	sys.WriteString("Pick exactly one intent from the list, or \"unknown\" when none fits.\n")
	sys.WriteString("Report your confidence between 0 and 1. Be conservative: a guess is below 0.5.\n")
	sys.WriteString("Extract structured fields when stated: party_size, time, date, name, phone.\n")
	sys.WriteString("Respond with JSON only, no prose:\n")
	sys.WriteString(`{"intent":"<intent>","confidence":0.0,"fields":{"party_size":"4"}}`)
	sys.WriteString("\n\nIntents:\n")
	for _, intent := range intents {
		sys.WriteString("- " + intent + "\n")
		examples := req.Examples[intent]
		if len(examples) > maxExamplesPerIntent {
			examples = examples[:maxExamplesPerIntent]
		}
		for _, ex := range examples {
			sys.WriteString(fmt.Sprintf("    e.g. %q\n", ex))
		}
	}

	var user strings.Builder
	if len(req.History) > 0 {
		user.WriteString("Earlier in the call the caller said:\n")
		for _, h := range req.History {
			user.WriteString("- " + h + "\n")
		}
		user.WriteString("\n")
	}
	user.WriteString("Caller: " + req.Text + "\n")
	return sys.String(), user.String()
}

func parseIntentResponse(responseText string) (Result, error) {
	responseText = strings.TrimSpace(responseText)
	responseText = strings.TrimPrefix(responseText, "```json")
	responseText = strings.TrimPrefix(responseText, "```")
	responseText = strings.TrimSuffix(responseText, "```")
	responseText = strings.TrimSpace(responseText)

	var parsed intentResponse
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing LLM intent response: %w (response: %s)", err, responseText)
	}
	conf := parsed.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	intent := strings.ToLower(strings.TrimSpace(parsed.Intent))
	if intent == "unknown" {
		intent = ""
	}
	return Result{Intent: intent, Confidence: conf, Fields: parsed.Fields}, nil
}
