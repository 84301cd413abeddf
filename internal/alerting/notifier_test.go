package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleNote() Notification {
	return Notification{
		RunID:       "8f0c1a52-5a34-4c8e-9d55-1e5e3c1d2b7a",
		Kind:        "scheduled",
		Status:      "succeeded",
		TradeDate:   time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		RowsEmitted: 1800,
		Withheld:    1,
		IssueCounts: map[string]int{"data_gap": 4, "calibration_anomaly": 2},
		Samples:     []string{"6488@2024-05-03 trust=-0.5000"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "calibration_anomaly: 2") {
		t.Fatalf("text 应包含问题统计: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageOrdersIssues(t *testing.T) {
	msg := RenderMessage(sampleNote())
	gap := strings.Index(msg, "data_gap")
	anomaly := strings.Index(msg, "calibration_anomaly")
	if anomaly < 0 || gap < 0 || anomaly > gap {
		t.Fatalf("问题类型应按字母排序:\n%s", msg)
	}
	if !strings.Contains(msg, "Trade date: 2024-05-03") {
		t.Fatalf("缺少交易日:\n%s", msg)
	}
}

func TestPolicy(t *testing.T) {
	note := sampleNote()
	note.Withheld = 0

	if !(Policy{AnomalyThreshold: 2}).ShouldNotify(note) {
		t.Fatal("异常行数达到阈值应通知")
	}
	if (Policy{AnomalyThreshold: 3}).ShouldNotify(note) {
		t.Fatal("异常行数未达阈值不应通知")
	}
	if !(Policy{NotifyOnSuccess: true}).ShouldNotify(note) {
		t.Fatal("NotifyOnSuccess 时应通知")
	}

	note.Status = "failed"
	if !(Policy{}).ShouldNotify(note) {
		t.Fatal("失败的运行总是通知")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
