package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeVote(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    Vote
		wantErr bool
	}{
		{name: "valid", payload: `{"question_id": 3, "option_id": 9}`, want: Vote{QuestionID: 3, OptionID: 9}},
		{name: "unknown-fields-ignored", payload: `{"question_id":1,"option_id":2,"client":"web"}`, want: Vote{QuestionID: 1, OptionID: 2}},
		{name: "not-json", payload: `vote for red`, wantErr: true},
		{name: "array", payload: `[1,2]`, wantErr: true},
		{name: "null", payload: `null`, wantErr: true},
		{name: "missing-option", payload: `{"question_id":1}`, wantErr: true},
		{name: "missing-question", payload: `{"option_id":1}`, wantErr: true},
		{name: "string-id", payload: `{"question_id":"1","option_id":2}`, wantErr: true},
		{name: "float-id", payload: `{"question_id":1.5,"option_id":2}`, wantErr: true},
		{name: "exponent-id", payload: `{"question_id":1e2,"option_id":2}`, wantErr: true},
		{name: "null-id", payload: `{"question_id":null,"option_id":2}`, wantErr: true},
		{name: "bool-id", payload: `{"question_id":true,"option_id":2}`, wantErr: true},
		{name: "zero-id", payload: `{"question_id":0,"option_id":2}`, wantErr: true},
		{name: "negative-id", payload: `{"question_id":1,"option_id":-2}`, wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := DecodeVote([]byte(testCase.payload))
			if testCase.wantErr {
				if !errors.Is(err, ErrMalformedFrame) {
					t.Fatalf("expected malformed frame error, got %v (%#v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != testCase.want {
				t.Fatalf("expected %#v, got %#v", testCase.want, got)
			}
		})
	}
}

func decodeFrame(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("frame is not valid json: %v", err)
	}
	return frame
}

func TestEncodeInitialStats(t *testing.T) {
	payload, err := EncodeInitialStats(map[int64]map[int64]int64{
		1: {10: 2, 11: 0},
		2: {},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := map[string]any{
		"type": FrameInitialStats,
		"stats": map[string]any{
			"1": map[string]any{"10": float64(2), "11": float64(0)},
			"2": map[string]any{},
		},
	}
	if diff := cmp.Diff(want, decodeFrame(t, payload)); diff != "" {
		t.Fatalf("unexpected frame (-want +got):\n%s", diff)
	}
}

func TestEncodeStatsUpdate(t *testing.T) {
	payload, err := EncodeStatsUpdate(4, map[int64]int64{40: 1, 41: 1})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := map[string]any{
		"type":        FrameStatsUpdate,
		"question_id": float64(4),
		"stats":       map[string]any{"40": float64(1), "41": float64(1)},
	}
	if diff := cmp.Diff(want, decodeFrame(t, payload)); diff != "" {
		t.Fatalf("unexpected frame (-want +got):\n%s", diff)
	}
}

func TestEncodeEmptyStatsAsObject(t *testing.T) {
	payload, err := EncodeStatsUpdate(4, nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, ok := decodeFrame(t, payload)["stats"].(map[string]any); !ok {
		t.Fatalf("expected stats object, got %s", payload)
	}
}

func TestEncodeError(t *testing.T) {
	payload, err := EncodeError(CodeInvalidMessage, "question_id must be an integer")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := map[string]any{
		"type":   FrameError,
		"code":   CodeInvalidMessage,
		"detail": "question_id must be an integer",
	}
	if diff := cmp.Diff(want, decodeFrame(t, payload)); diff != "" {
		t.Fatalf("unexpected frame (-want +got):\n%s", diff)
	}
}
