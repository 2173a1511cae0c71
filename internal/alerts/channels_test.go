package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/liamashdown/peggwatch/internal/model"
)

func testMessage() Message {
	return Message{
		AlertID:   "a-1",
		Category:  model.CategoryWhale,
		Kind:      model.KindWhale,
		Severity:  model.SeverityCritical,
		Subject:   "USDT",
		Title:     "🐋 Whale transfer: USDT",
		Body:      "25,000,000 USDT moved on ethereum",
		Quote:     "Big money is on the move.",
		URL:       "https://etherscan.io/tx/0xabc",
		Fields:    []Field{{Name: "Amount", Value: "25000000"}, {Name: "Network", Value: "ethereum"}},
		Timestamp: time.Unix(1_700_000_000, 0),
	}
}

func TestTelegramNotify(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botsecret/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch := NewTelegramChannel(srv.URL, "secret", "42")
	if err := ch.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got["chat_id"] != "42" {
		t.Errorf("chat_id = %v", got["chat_id"])
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "Whale transfer") || !strings.Contains(text, "Amount: 25000000") {
		t.Errorf("text = %q", text)
	}
}

func TestTelegramRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := NewTelegramChannel(srv.URL, "secret", "42").Notify(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("err = %v, want chat not found", err)
	}
}

func TestDiscordNotifyAllWebhooks(t *testing.T) {
	hits := 0
	var embed map[string]interface{}
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		var body struct {
			Embeds []map[string]interface{} `json:"embeds"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Embeds) == 1 {
			embed = body.Embeds[0]
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	ch := NewDiscordChannel([]string{ok.URL, ok.URL}, "test")
	if err := ch.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if hits != 2 {
		t.Errorf("hits = %d, want 2", hits)
	}
	if embed["color"].(float64) != 0xFF0000 {
		t.Errorf("color = %v, want red for CRITICAL", embed["color"])
	}

	ch = NewDiscordChannel([]string{ok.URL, broken.URL}, "test")
	if err := ch.Notify(context.Background(), testMessage()); err == nil {
		t.Error("a failing webhook should fail the channel")
	}
}

func TestXNotify(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("request = %s %s", r.URL.Path, r.Header.Get("Authorization"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		text = body["text"]
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	msg := testMessage()
	msg.Body = strings.Repeat("x", 500)
	if err := NewXChannel(srv.URL, "tok").Notify(context.Background(), msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !strings.HasSuffix(text, msg.URL) {
		t.Errorf("tweet should end with the link: %q", text)
	}
	if len(text)-len(msg.URL) > tweetLimit {
		t.Errorf("tweet too long: %d", len(text))
	}
}

func TestXRejectsNonCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if err := NewXChannel(srv.URL, "tok").Notify(context.Background(), testMessage()); err == nil {
		t.Error("expected error for 403")
	}
}

func TestSMTPNotifyHonoursContext(t *testing.T) {
	ch := NewSMTPChannel("mail.example.com", 587, "", "", "bot@example.com", []string{"ops@example.com"}, "test")

	var sent string
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		sent = string(msg)
		return nil
	}
	if err := ch.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !strings.Contains(sent, "Subject: [CRITICAL]") || !strings.Contains(sent, "Amount:") {
		t.Errorf("message = %q", sent)
	}

	block := make(chan struct{})
	defer close(block)
	ch.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		<-block
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := ch.Notify(ctx, testMessage()); err == nil {
		t.Error("a hung send should fail when the context ends")
	}
}

func TestRendererDeterministic(t *testing.T) {
	alert := &model.Alert{
		ID:       "a-1",
		Category: model.CategoryPeg,
		Kind:     model.KindDepeg,
		Severity: model.SeverityCritical,
		Subject:  "USDC",
		Metadata: []byte(`{"symbol":"USDC","price":0.93,"deviation_pct":7,"zeta":"z","alpha":"a"}`),
	}

	a := NewRenderer(7)
	b := NewRenderer(7)
	for i := 0; i < 5; i++ {
		ma, mb := a.Render(alert), b.Render(alert)
		if ma.Quote != mb.Quote {
			t.Fatalf("render %d quotes differ: %q vs %q", i, ma.Quote, mb.Quote)
		}
	}

	msg := a.Render(alert)
	if !strings.Contains(msg.Title, "depegged") {
		t.Errorf("title = %q", msg.Title)
	}
	names := []string{}
	for _, f := range msg.Fields {
		names = append(names, f.Name)
	}
	want := "Symbol,Price,Deviation %,Alpha,Zeta"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("fields = %s, want %s", got, want)
	}
	if msg.Fields[1].Value != "$0.9300" {
		t.Errorf("price = %s", msg.Fields[1].Value)
	}
}

func TestRendererKeepsStoredDigestQuote(t *testing.T) {
	alert := &model.Alert{
		Category: model.CategorySystem,
		Kind:     model.KindDigest,
		Severity: model.SeverityInfo,
		Metadata: []byte(`{"stability_level":"GOOD","quote":"stored line"}`),
	}
	if q := NewRenderer(1).Render(alert).Quote; q != "stored line" {
		t.Errorf("quote = %q", q)
	}
	if NewRenderer(1).Quote(PoolDigest+"GOOD") == "" {
		t.Error("digest pool should not be empty")
	}
}
