package library

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	testCases := []struct {
		input    string
		expected Status
		wantErr  bool
	}{
		{input: "watching", expected: StatusWatching},
		{input: " PLAN_TO_WATCH ", expected: StatusPlanToWatch},
		{input: "on_hold", expected: StatusOnHold},
		{input: "paused", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, testCase := range testCases {
		status, err := ParseStatus(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidStatus) {
				t.Fatalf("expected invalid status for %q, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil || status != testCase.expected {
			t.Fatalf("unexpected parse result for %q: %v %v", testCase.input, status, err)
		}
	}
}

func TestNormalizeScore(t *testing.T) {
	if score, err := NormalizeScore(nil); score != nil || err != nil {
		t.Fatalf("expected nil score to pass through")
	}
	if score, err := NormalizeScore(floatPointer(0)); score != nil || err != nil {
		t.Fatalf("expected zero score to normalize to nil")
	}
	if score, err := NormalizeScore(floatPointer(7.5)); err != nil || score == nil || *score != 7.5 {
		t.Fatalf("expected score to be kept")
	}
	if _, err := NormalizeScore(floatPointer(-1)); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected negative score to fail, got %v", err)
	}
	if _, err := NormalizeScore(floatPointer(10.5)); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected score above ten to fail, got %v", err)
	}
}
