package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vitalhearts/core/internal/config"
	"github.com/vitalhearts/core/internal/domain/logs"
	"github.com/vitalhearts/core/internal/gateways/kv"
)

type fakeObjects struct {
	puts    map[string]string
	deletes []string
	err     error
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[*in.Bucket+"/"+*in.Key] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, *in.Key)
	return &s3.DeleteObjectOutput{}, f.err
}

var from = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func TestExporter_Export(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	appender := logs.NewAppender(store, nil)
	for i := 0; i < 5; i++ {
		at := from.Add(time.Duration(i) * time.Hour)
		if _, err := appender.Append(ctx, "u1", logs.TypeGlucose, at, "cgm", logs.SubEntry{Kind: logs.KindGlucose, Amount: 100 + int64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	objects := &fakeObjects{}
	exp := NewWithClient(objects, logs.NewReader(store, 2, 10), "vh-archive", "/exports/")
	obj, err := exp.Export(ctx, "u1", logs.TypeGlucose, from, from.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	wantKey := "exports/glucose/u1/20240603T000000Z_20240604T000000Z.jsonl"
	if obj.Key != wantKey || obj.Entries != 5 {
		t.Fatalf("Export() = %+v, want key %s with 5 entries", obj, wantKey)
	}

	body, ok := objects.puts["vh-archive/"+wantKey]
	if !ok {
		t.Fatalf("object not uploaded: %v", objects.puts)
	}
	sc := bufio.NewScanner(strings.NewReader(body))
	var n int
	for sc.Scan() {
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		if l.Entries[0].Amount != 100+int64(n) || !l.At.Equal(from.Add(time.Duration(n)*time.Hour)) {
			t.Errorf("line %d = %+v", n, l)
		}
		n++
	}
	if n != 5 {
		t.Errorf("%d lines, want 5", n)
	}
}

func TestExporter_EmptyRangeUploadsNothing(t *testing.T) {
	objects := &fakeObjects{}
	exp := NewWithClient(objects, logs.NewReader(kv.NewMemory(), 0, 0), "b", "")
	obj, err := exp.Export(context.Background(), "u1", logs.TypeChat, from, from.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if obj.Entries != 0 || len(objects.puts) != 0 {
		t.Errorf("Export() = %+v, uploads %v", obj, objects.puts)
	}
}

func TestExporter_UploadError(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	if _, err := logs.NewAppender(store, nil).Append(ctx, "u1", logs.TypeChat, from, "app", logs.SubEntry{Kind: logs.KindMessage, Amount: 1}); err != nil {
		t.Fatal(err)
	}
	denied := errors.New("access denied")
	exp := NewWithClient(&fakeObjects{err: denied}, logs.NewReader(store, 0, 0), "b", "")
	if _, err := exp.Export(ctx, "u1", logs.TypeChat, from, from.Add(time.Hour)); !errors.Is(err, denied) {
		t.Errorf("Export() error = %v", err)
	}
}

func TestExporter_Remove(t *testing.T) {
	objects := &fakeObjects{}
	exp := NewWithClient(objects, nil, "b", "")
	if err := exp.Remove(context.Background(), "chat/u1/x.jsonl"); err != nil {
		t.Fatal(err)
	}
	if len(objects.deletes) != 1 || objects.deletes[0] != "chat/u1/x.jsonl" {
		t.Errorf("deletes = %v", objects.deletes)
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), config.ArchiveConfig{}, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("New() error = %v", err)
	}
}
