// Package twiml builds the response markup returned to the telephony
// provider after each webhook. Every document must terminate the exchange
// with exactly one directive that either gathers the next input (Gather or
// Record) or hangs up; anything else would leave the caller on a dead line
// or confuse the provider.
package twiml

import (
	"encoding/xml"
	"errors"
	"fmt"
)

type Say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Language      string   `xml:"language,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	NumDigits     int      `xml:"numDigits,attr,omitempty"`
	Say           *Say     `xml:",omitempty"`
	Play          *Play    `xml:",omitempty"`
}

type Record struct {
	XMLName   xml.Name `xml:"Record"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool     `xml:"playBeep,attr"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Response is one markup document. Say/Play render before the terminal
// directive; field order here is marshal order.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:",omitempty"`
	Play    *Play    `xml:",omitempty"`
	Gather  *Gather  `xml:",omitempty"`
	Record  *Record  `xml:",omitempty"`
	Hangup  *Hangup  `xml:",omitempty"`
}

var errNoTerminal = errors.New("markup has no terminal directive")
var errMultipleTerminal = errors.New("markup has multiple terminal directives")

// Validate enforces the provider contract: exactly one terminal directive.
// Record counts as a gather directive (it collects the next input).
func (r *Response) Validate() error {
	terminals := 0
	if r.Gather != nil {
		terminals++
	}
	if r.Record != nil {
		terminals++
	}
	if r.Hangup != nil {
		terminals++
	}
	switch terminals {
	case 0:
		return errNoTerminal
	case 1:
		return nil
	default:
		return errMultipleTerminal
	}
}

// Encode validates and marshals the document with the XML header.
func (r *Response) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal markup: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
