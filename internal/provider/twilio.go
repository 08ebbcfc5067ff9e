package provider

import (
	"encoding/xml"
	"strings"

	"callrouter/internal/controldoc"
)

const twilioName = "twilio"

type twimlResponse struct {
	XMLName  xml.Name       `xml:"Response"`
	Say      []string       `xml:"Say"`
	Gather   *twimlGather   `xml:"Gather"`
	Connect  *twimlConnect  `xml:"Connect"`
	Enqueue  *twimlEnqueue  `xml:"Enqueue"`
	Redirect *twimlRedirect `xml:"Redirect"`
}

type twimlGather struct {
	Input   string   `xml:"input,attr"`
	Action  string   `xml:"action,attr"`
	Method  string   `xml:"method,attr"`
	Timeout int      `xml:"timeout,attr"`
	Hints   string   `xml:"hints,attr,omitempty"`
	Say     []string `xml:"Say"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlEnqueue struct {
	WaitURL string `xml:"waitUrl,attr,omitempty"`
	Queue   string `xml:",chardata"`
}

type twimlRedirect struct {
	Method string `xml:"method,attr"`
	URL    string `xml:",chardata"`
}

// Twilio renders TwiML and supports every capability.
type Twilio struct{}

func NewTwilio() *Twilio { return &Twilio{} }

func (t *Twilio) Name() string { return twilioName }

func (t *Twilio) Capabilities() Capabilities {
	return NewCapabilities(CapGather, CapStream, CapEnqueue)
}

func (t *Twilio) Render(doc controldoc.Document) (Rendered, error) {
	if err := checkCapability(t, doc); err != nil {
		return Rendered{}, err
	}

	resp := twimlResponse{}
	switch doc.Kind {
	case controldoc.KindGather:
		g := doc.Gather
		var says []string
		if g.ConsentPrompt != "" {
			says = append(says, g.ConsentPrompt)
		}
		if g.Prompt != "" {
			says = append(says, g.Prompt)
		}
		resp.Gather = &twimlGather{
			Input:   strings.Join(g.Input, " "),
			Action:  g.ActionURL,
			Method:  "POST",
			Timeout: g.TimeoutSeconds,
			Hints:   strings.Join(g.Hints, ","),
			Say:     says,
		}
		if g.RedirectURL != "" {
			resp.Redirect = &twimlRedirect{Method: "POST", URL: g.RedirectURL}
		}
	case controldoc.KindStream:
		s := twimlStream{URL: doc.Stream.URL}
		for _, p := range doc.Stream.Parameters {
			s.Parameters = append(s.Parameters, twimlParameter{Name: p.Name, Value: p.Value})
		}
		resp.Connect = &twimlConnect{Stream: s}
	case controldoc.KindEnqueue:
		e := doc.Enqueue
		if e.Message != "" {
			resp.Say = []string{e.Message}
		}
		resp.Enqueue = &twimlEnqueue{WaitURL: e.WaitURL, Queue: e.Queue}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		ContentType: "text/xml",
		Body:        append([]byte(xml.Header), body...),
	}, nil
}
