package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Delimiters the model is instructed to wrap the coordinate JSON in.
const (
	JSONStartMarker = "<<<JSON_START>>>"
	JSONEndMarker   = "<<<JSON_END>>>"
)

// Coordinate is a latitude or longitude as it appeared in the reply.
// Decoding never fails at this level: the model sometimes emits quoted
// numbers or garbage for a single record, and one bad record must not
// abort the whole batch. Value reports whether the raw token actually
// coerces to a number.
type Coordinate struct {
	raw string
}

func (c *Coordinate) UnmarshalJSON(b []byte) error {
	c.raw = string(b)
	return nil
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	if c.raw == "" {
		return []byte("null"), nil
	}
	return []byte(c.raw), nil
}

func (c Coordinate) String() string { return c.raw }

// Value coerces the raw token to a float, accepting numeric strings.
func (c Coordinate) Value() (float64, error) {
	s := strings.TrimSpace(c.raw)
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if s == "" || s == "null" {
		return 0, fmt.Errorf("missing value")
	}
	return strconv.ParseFloat(s, 64)
}

// CandidateLocation is one structured record extracted from a final
// analysis reply.
type CandidateLocation struct {
	Latitude   Coordinate `json:"latitude"`
	Longitude  Coordinate `json:"longitude"`
	RadiusKm   float64    `json:"radius_km"`
	Confidence string     `json:"confidence"`
	Reason     string     `json:"reason"`
}

// Coords coerces the latitude/longitude fields to floats.
func (c CandidateLocation) Coords() (lat, lon float64, err error) {
	lat, err = c.Latitude.Value()
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %s: %w", c.Latitude, err)
	}
	lon, err = c.Longitude.Value()
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %s: %w", c.Longitude, err)
	}
	return lat, lon, nil
}

// Report is the outcome of parsing one full model reply.
type Report struct {
	// Analysis is the free-text part of the reply: everything before the
	// start delimiter, or the entire reply when no delimited block was found.
	Analysis string

	// Candidates holds the decoded coordinate records, in reply order.
	// Nil unless the structured block was found and decoded.
	Candidates []CandidateLocation

	// StructureFound reports whether both delimiters were present and in
	// the right order.
	StructureFound bool

	// RawBlock is the text between the delimiters, kept verbatim so decode
	// failures can be surfaced alongside the offending payload.
	RawBlock string

	// DecodeErr is set when the delimited block was found but did not
	// decode as a list of candidate records.
	DecodeErr error
}

// Parse splits a model reply into free text and a coordinate payload.
//
// Phase one locates the literal delimiters; if either is missing or they
// are misordered the whole reply is treated as free text. Phase two
// strictly decodes the enclosed span. The two phases fail independently:
// a decode failure still yields the pre-delimiter free text.
func Parse(reply string) Report {
	start := strings.Index(reply, JSONStartMarker)
	end := strings.Index(reply, JSONEndMarker)

	if start == -1 || end == -1 || start >= end {
		return Report{Analysis: strings.TrimSpace(reply)}
	}

	rep := Report{
		Analysis:       strings.TrimSpace(reply[:start]),
		StructureFound: true,
		RawBlock:       strings.TrimSpace(reply[start+len(JSONStartMarker) : end]),
	}

	var candidates []CandidateLocation
	if err := json.Unmarshal([]byte(rep.RawBlock), &candidates); err != nil {
		rep.DecodeErr = err
		return rep
	}
	rep.Candidates = candidates
	return rep
}
