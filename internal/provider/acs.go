package provider

import (
	"encoding/json"
	"strings"

	"callrouter/internal/controldoc"
)

const acsName = "acs"

type acsResponse struct {
	Actions []acsAction `json:"actions"`
}

type acsAction struct {
	Action      string              `json:"action"`
	Play        *acsPlay            `json:"play,omitempty"`
	Recognize   *acsRecognize       `json:"recognize,omitempty"`
	MediaStream *acsMediaStreaming  `json:"mediaStreaming,omitempty"`
	Transfer    *acsTransferToQueue `json:"transferToQueue,omitempty"`
}

type acsPlay struct {
	Text string `json:"text"`
}

type acsRecognize struct {
	InputType             string   `json:"recognizeInputType"`
	Prompt                string   `json:"prompt,omitempty"`
	SpeechHints           []string `json:"speechHints,omitempty"`
	InitialSilenceTimeout int      `json:"initialSilenceTimeoutInSeconds"`
	MaxTonesToCollect     int      `json:"maxTonesToCollect"`
	OperationCallbackURI  string   `json:"operationCallbackUri,omitempty"`
	InterruptPrompt       bool     `json:"interruptPrompt"`
}

type acsMediaStreaming struct {
	TransportURL     string            `json:"transportUrl"`
	ContentType      string            `json:"mediaStreamingContentType"`
	AudioChannelType string            `json:"audioChannelType"`
	Parameters       map[string]string `json:"parameters,omitempty"`
}

type acsTransferToQueue struct {
	Queue      string `json:"queue"`
	WaitURL    string `json:"waitUrl,omitempty"`
	HandoffRef string `json:"handoffRef,omitempty"`
}

// ACS renders Call Automation style JSON action lists. Media streaming is
// only available when a transport URL is configured.
type ACS struct {
	transportURL string
	callbackURL  string
}

func NewACS(transportURL, callbackURL string) *ACS {
	return &ACS{transportURL: strings.TrimSpace(transportURL), callbackURL: strings.TrimSpace(callbackURL)}
}

func (a *ACS) Name() string { return acsName }

func (a *ACS) Capabilities() Capabilities {
	caps := NewCapabilities(CapGather, CapEnqueue)
	if a.transportURL != "" {
		caps |= Capabilities(CapStream)
	}
	return caps
}

func (a *ACS) Render(doc controldoc.Document) (Rendered, error) {
	if err := checkCapability(a, doc); err != nil {
		return Rendered{}, err
	}

	var resp acsResponse
	switch doc.Kind {
	case controldoc.KindGather:
		g := doc.Gather
		if g.ConsentPrompt != "" {
			resp.Actions = append(resp.Actions, acsAction{Action: "play", Play: &acsPlay{Text: g.ConsentPrompt}})
		}
		callback := a.callbackURL
		if callback == "" {
			callback = g.ActionURL
		}
		resp.Actions = append(resp.Actions, acsAction{
			Action: "recognize",
			Recognize: &acsRecognize{
				InputType:             "speechOrDtmf",
				Prompt:                g.Prompt,
				SpeechHints:           g.Hints,
				InitialSilenceTimeout: g.TimeoutSeconds,
				MaxTonesToCollect:     1,
				OperationCallbackURI:  callback,
				InterruptPrompt:       true,
			},
		})
	case controldoc.KindStream:
		params := make(map[string]string, len(doc.Stream.Parameters))
		for _, p := range doc.Stream.Parameters {
			params[p.Name] = p.Value
		}
		resp.Actions = append(resp.Actions, acsAction{
			Action: "startMediaStreaming",
			MediaStream: &acsMediaStreaming{
				TransportURL:     a.transportURL,
				ContentType:      "audio",
				AudioChannelType: "mixed",
				Parameters:       params,
			},
		})
	case controldoc.KindEnqueue:
		e := doc.Enqueue
		if e.Message != "" {
			resp.Actions = append(resp.Actions, acsAction{Action: "play", Play: &acsPlay{Text: e.Message}})
		}
		resp.Actions = append(resp.Actions, acsAction{
			Action:   "transferToQueue",
			Transfer: &acsTransferToQueue{Queue: e.Queue, WaitURL: e.WaitURL, HandoffRef: e.HandoffRef},
		})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{ContentType: "application/json", Body: body}, nil
}
