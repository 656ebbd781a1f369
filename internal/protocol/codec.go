package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Outbound frame types.
const (
	FrameInitialStats = "initial_stats"
	FrameStatsUpdate  = "stats_update"
	FrameError        = "error"
)

// Error frame codes.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeNotFound         = "not_found"
	CodeInvalidReference = "invalid_reference"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

const (
	fieldQuestionID = "question_id"
	fieldOptionID   = "option_id"
)

// ErrMalformedFrame indicates an inbound frame that is not a valid vote.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Vote is a decoded inbound vote frame.
type Vote struct {
	QuestionID int64
	OptionID   int64
}

type initialStatsFrame struct {
	Type  string                    `json:"type"`
	Stats map[int64]map[int64]int64 `json:"stats"`
}

type statsUpdateFrame struct {
	Type       string          `json:"type"`
	QuestionID int64           `json:"question_id"`
	Stats      map[int64]int64 `json:"stats"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// DecodeVote parses an inbound vote. Both identifiers must be positive JSON integers;
// unknown fields are ignored.
func DecodeVote(payload []byte) (Vote, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Vote{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fields == nil {
		return Vote{}, fmt.Errorf("%w: expected an object", ErrMalformedFrame)
	}
	questionID, err := positiveInteger(fields, fieldQuestionID)
	if err != nil {
		return Vote{}, err
	}
	optionID, err := positiveInteger(fields, fieldOptionID)
	if err != nil {
		return Vote{}, err
	}
	return Vote{QuestionID: questionID, OptionID: optionID}, nil
}

func positiveInteger(fields map[string]json.RawMessage, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrMalformedFrame, name)
	}
	literal := string(bytes.TrimSpace(raw))
	// strconv only accepts plain integer literals, so strings, floats, exponents, null and booleans fail here.
	value, err := strconv.ParseInt(literal, 10, 64)
	if err != nil || literal[0] == '+' {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrMalformedFrame, name)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrMalformedFrame, name)
	}
	return value, nil
}

// EncodeInitialStats encodes the snapshot sent right after a connection joins.
func EncodeInitialStats(stats map[int64]map[int64]int64) ([]byte, error) {
	if stats == nil {
		stats = map[int64]map[int64]int64{}
	}
	return json.Marshal(initialStatsFrame{Type: FrameInitialStats, Stats: stats})
}

// EncodeStatsUpdate encodes the recomputed tally of one question.
func EncodeStatsUpdate(questionID int64, stats map[int64]int64) ([]byte, error) {
	if stats == nil {
		stats = map[int64]int64{}
	}
	return json.Marshal(statsUpdateFrame{Type: FrameStatsUpdate, QuestionID: questionID, Stats: stats})
}

// EncodeError encodes an error reply for the sending connection.
func EncodeError(code, detail string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: FrameError, Code: code, Detail: detail})
}
