package rewards

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in         string
		want       Reward
		wantHearts int64
		wantErr    bool
	}{
		{"", None, 0, false},
		{"twoHearts", TwoHearts, 2, false},
		{"tenHearts", TenHearts, 10, false},
		{"external:CGM-TRIAL", External("CGM-TRIAL"), 0, false},
		{"external:", None, 0, true},
		{"fiveHearts", None, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrUnknownReward) {
				t.Errorf("Parse() error = %v, want ErrUnknownReward", err)
			}
			if got != tt.want || got.Hearts() != tt.wantHearts {
				t.Errorf("Parse() = %v (%d hearts), want %v (%d)", got, got.Hearts(), tt.want, tt.wantHearts)
			}
			if !tt.wantErr && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestRewardJSON(t *testing.T) {
	type task struct {
		Reward Reward `json:"reward"`
	}
	b, err := json.Marshal(task{Reward: External("X1")})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"reward":"external:X1"}` {
		t.Errorf("Marshal() = %s", b)
	}
	var back task
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Reward != External("X1") {
		t.Errorf("Unmarshal() = %v", back.Reward)
	}
	if err := json.Unmarshal([]byte(`{"reward":"bogus"}`), &back); err == nil {
		t.Errorf("Unmarshal() of unknown reward succeeded")
	}
}
