package cmd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/domain/missions"
	"github.com/vitalhearts/core/internal/domain/progress"
	"github.com/vitalhearts/core/internal/domain/rewards"
)

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		in      string
		want    missions.Template
		wantErr error
	}{
		{
			in:   "foodEntry:3:tenHearts",
			want: missions.Template{TaskType: progress.TaskFoodEntry, TargetAmount: 3, Reward: rewards.TenHearts},
		},
		{
			in:   "loggingDays:5:external:coupon-weekly",
			want: missions.Template{TaskType: progress.TaskLoggingDays, TargetAmount: 5, Reward: rewards.External("coupon-weekly")},
		},
		{
			in:   "chatMessage:1",
			want: missions.Template{TaskType: progress.TaskChatMessage, TargetAmount: 1},
		},
		{in: "water:100", wantErr: progress.ErrUnknownTaskType},
		{in: "foodEntry:3:gold", wantErr: rewards.ErrUnknownReward},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTemplate(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("parseTemplate() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseTemplate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSubEntries(t *testing.T) {
	got, err := parseSubEntries([]string{"food=1", "water=250"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1] != (logs.SubEntry{Kind: logs.KindWater, Amount: 250}) {
		t.Errorf("parseSubEntries() = %+v", got)
	}
	for _, bad := range []string{"food", "=1", "water=lots"} {
		if _, err := parseSubEntries([]string{bad}); err == nil {
			t.Errorf("parseSubEntries(%q) accepted", bad)
		}
	}
}

func TestNowHonorsToday(t *testing.T) {
	todayFlag = "2024-06-05"
	defer func() { todayFlag = "" }()

	got, err := now(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if got.Format(time.DateOnly) != "2024-06-05" {
		t.Errorf("now() = %v", got)
	}

	todayFlag = "yesterday"
	if _, err := now(time.UTC); err == nil {
		t.Error("now() accepted an invalid --today")
	}
}

func TestOpenStoreWarnsMemoryIsNotDurable(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	defer slog.SetDefault(prev)

	store, closeStore, err := openStore(context.Background(), config.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if store == nil {
		t.Fatal("openStore() returned no store")
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "--config") {
		t.Errorf("openStore() log = %q, want a warning pointing at --config", out)
	}
}
