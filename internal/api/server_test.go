package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/n8n-bridge/internal/agent"
	"github.com/nugget/n8n-bridge/internal/config"
	"github.com/nugget/n8n-bridge/internal/connwatch"
	"github.com/nugget/n8n-bridge/internal/entries"
	"github.com/nugget/n8n-bridge/internal/events"
	"github.com/nugget/n8n-bridge/internal/metrics"
	"github.com/nugget/n8n-bridge/internal/notify"
	"github.com/nugget/n8n-bridge/internal/scheduler"
	"github.com/nugget/n8n-bridge/internal/services"
	"github.com/nugget/n8n-bridge/internal/session"
)

type testEnv struct {
	srv      *httptest.Server
	webhook  *httptest.Server
	agents   *agent.Registry
	sessions *session.Store
	sched    *scheduler.Scheduler
	manager  *entries.Manager
	bus      *events.Bus

	mu     sync.Mutex
	reply  string
	status int // 0 means 200
}

// setReply changes what the fake webhook answers.
func (env *testEnv) setReply(status int, body string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.status, env.reply = status, body
}

type fakeHealth map[string]connwatch.ServiceStatus

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus { return f }

func newTestEnv(t *testing.T, health HealthSource) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		agents:   agent.NewRegistry(),
		sessions: session.NewStore(session.Options{Logger: logger}),
		bus:      events.New(),
		reply:    `{"output": "The porch light is on."}`,
	}
	env.webhook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		status, reply := env.status, env.reply
		env.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
		io.WriteString(w, reply)
	}))
	t.Cleanup(env.webhook.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)

	store, err := entries.NewStore(filepath.Join(t.TempDir(), "entries.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env.manager = entries.NewManager(entries.ManagerConfig{
		Store:    store,
		Agents:   env.agents,
		Sessions: env.sessions,
		Webhook:  config.WebhookConfig{Timeout: 5 * time.Second, ReplyField: "output"},
		Logger:   logger,
		Metrics:  m,
		Events:   env.bus,
	})

	env.sched = scheduler.New(scheduler.Config{
		Notifier: &notify.Recorder{},
		Logger:   logger,
		Metrics:  m,
		Events:   env.bus,
	})
	svc := services.NewRegistry(logger, m)
	if err := env.sched.Register(svc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s := NewServer(Config{
		Agents:    env.agents,
		Sessions:  env.sessions,
		Services:  svc,
		Scheduler: env.sched,
		Entries:   env.manager,
		Flow:      entries.NewFlow(env.manager, env.webhook.URL),
		Events:    env.bus,
		Health:    health,
		Gatherer:  reg,
		Logger:    logger,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

// addAgent creates and loads a config entry pointing at the fake webhook.
func (env *testEnv) addAgent(t *testing.T, name string) *entries.Entry {
	t.Helper()
	e, err := env.manager.Create(name, env.webhook.URL)
	if err != nil {
		t.Fatalf("Create(%q): %v", name, err)
	}
	return e
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func TestConversationProcess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")

	resp, body := env.do(t, "POST", "/api/conversation/process", `{"text": "turn on the porch light", "language": "de"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var got ConversationResponse
	decode(t, body, &got)
	if got.Response.Speech.Plain.Speech != "The porch light is on." {
		t.Errorf("speech = %q", got.Response.Speech.Plain.Speech)
	}
	if got.Response.Language != "de" {
		t.Errorf("language = %q, want de", got.Response.Language)
	}
	if got.ConversationID == "" {
		t.Fatal("conversation_id is empty")
	}

	// The transcript is reachable by the returned id.
	resp, body = env.do(t, "GET", "/api/conversation/sessions/"+got.ConversationID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	var sess session.Session
	decode(t, body, &sess)
	if len(sess.Turns) != 2 || sess.Turns[0].Text != "turn on the porch light" || sess.Turns[1].Role != session.RoleAgent {
		t.Errorf("turns = %+v", sess.Turns)
	}
}

func TestConversationProcess_ForwardsBlankText(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")

	for _, text := range []string{"", "   "} {
		resp, body := env.do(t, "POST", "/api/conversation/process", `{"text": "`+text+`"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("text %q: status = %d, body = %s", text, resp.StatusCode, body)
		}
		var got ConversationResponse
		decode(t, body, &got)
		sess, ok := env.sessions.Get(got.ConversationID)
		if !ok || len(sess.Turns) != 2 || sess.Turns[0].Text != text {
			t.Errorf("text %q: turns = %+v", text, sess.Turns)
		}
	}
}

func TestConversationProcess_ContinuesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")

	_, body := env.do(t, "POST", "/api/conversation/process", `{"text": "hello"}`)
	var first ConversationResponse
	decode(t, body, &first)

	_, body = env.do(t, "POST", "/api/conversation/process",
		`{"text": "again", "conversation_id": "`+first.ConversationID+`"}`)
	var second ConversationResponse
	decode(t, body, &second)

	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation_id = %q, want %q", second.ConversationID, first.ConversationID)
	}
	sess, _ := env.sessions.Get(first.ConversationID)
	if len(sess.Turns) != 4 {
		t.Errorf("turns = %d, want 4", len(sess.Turns))
	}
}

func TestConversationProcess_WebhookFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")
	env.setReply(http.StatusInternalServerError, `{"message": "workflow crashed"}`)

	resp, body := env.do(t, "POST", "/api/conversation/process", `{"text": "hello"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(string(body), agentFailureMessage) {
		t.Errorf("body = %s, want generic failure message", body)
	}
	if strings.Contains(string(body), "workflow crashed") {
		t.Errorf("upstream detail leaked to client: %s", body)
	}
}

func TestConversationProcess_MissingReplyField(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")
	env.setReply(0, `{"text": "wrong key"}`)

	resp, body := env.do(t, "POST", "/api/conversation/process", `{"text": "hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got ConversationResponse
	decode(t, body, &got)
	if got.Response.Speech.Plain.Speech != "" {
		t.Errorf("speech = %q, want empty", got.Response.Speech.Plain.Speech)
	}
}

func TestConversationProcess_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"text":`, http.StatusBadRequest},
		{"array body", `["hello"]`, http.StatusBadRequest},
		{"missing text", `{}`, http.StatusBadRequest},
		{"no agent loaded", `{"text": "hello"}`, http.StatusNotFound},
		{"unknown agent", `{"text": "hello", "agent_id": "nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, "POST", "/api/conversation/process", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestConversationProcess_SelectsAgentByName(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "Kitchen")
	env.addAgent(t, "Garage")

	resp, _ := env.do(t, "POST", "/api/conversation/process", `{"text": "hello"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ambiguous agent: status = %d, want 404", resp.StatusCode)
	}

	resp, body := env.do(t, "POST", "/api/conversation/process", `{"text": "hello", "agent_id": "Garage"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestAgentList(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.addAgent(t, "n8n Conversation")

	_, body := env.do(t, "GET", "/api/conversation/agents", "")
	var got struct {
		Agents []AgentInfo `json:"agents"`
	}
	decode(t, body, &got)
	if len(got.Agents) != 1 {
		t.Fatalf("agents = %+v", got.Agents)
	}
	a := got.Agents[0]
	if a.ID != e.ID || a.Name != "n8n Conversation" || a.SupportedLanguages != "*" {
		t.Errorf("agent = %+v", a)
	}
}

func TestSessionGet_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, "GET", "/api/conversation/sessions/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServiceCall_ScheduleAction(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "POST", "/api/services/n8n_conversation/schedule_action",
		`{"timer_id": "porch", "action": "set", "delay": 3600, "service": "light.turn_off", "target": {"entity_id": "light.porch"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var got map[string]string
	decode(t, body, &got)
	if got["message"] != "Timer porch set for 3600 seconds." {
		t.Errorf("message = %q", got["message"])
	}

	_, body = env.do(t, "GET", "/api/timers", "")
	var timers struct {
		Count  int               `json:"count"`
		Timers []scheduler.Entry `json:"timers"`
	}
	decode(t, body, &timers)
	if timers.Count != 1 || timers.Timers[0].TimerID != "porch" {
		t.Fatalf("timers = %+v", timers)
	}
	if timers.Timers[0].Operation.String() != "light.turn_off" {
		t.Errorf("operation = %s", timers.Timers[0].Operation)
	}

	_, body = env.do(t, "POST", "/api/services/n8n_conversation/schedule_action",
		`{"timer_id": "porch", "action": "cancel", "service": "light.turn_off"}`)
	decode(t, body, &got)
	if got["message"] != "Timer porch cancelled." {
		t.Errorf("message = %q", got["message"])
	}
	if env.sched.Len() != 0 {
		t.Errorf("Len() = %d after cancel", env.sched.Len())
	}
}

func TestServiceCall_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"validation", "/api/services/n8n_conversation/schedule_action", `{"action": "set", "service": "light.turn_off"}`, http.StatusBadRequest},
		{"negative delay", "/api/services/n8n_conversation/schedule_action", `{"timer_id": "a", "action": "set", "delay": -1, "service": "light.turn_off"}`, http.StatusBadRequest},
		{"bad service", "/api/services/n8n_conversation/schedule_action", `{"timer_id": "a", "action": "set", "service": "turn_off"}`, http.StatusBadRequest},
		{"unknown service", "/api/services/light/turn_on", `{}`, http.StatusNotFound},
		{"malformed", "/api/services/n8n_conversation/schedule_action", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, "POST", tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestServiceCall_ValidationDetails(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.do(t, "POST", "/api/services/n8n_conversation/schedule_action", `{"action": "set"}`)
	var got struct {
		Error struct {
			Details []services.FieldError `json:"details"`
		} `json:"error"`
	}
	decode(t, body, &got)

	fields := map[string]bool{}
	for _, f := range got.Error.Details {
		fields[f.Field] = true
	}
	if !fields["timer_id"] || !fields["service"] {
		t.Errorf("details = %+v, want timer_id and service", got.Error.Details)
	}
}

func TestServiceList(t *testing.T) {
	env := newTestEnv(t, nil)
	_, body := env.do(t, "GET", "/api/services", "")
	if !bytes.Contains(body, []byte(`"schedule_action"`)) {
		t.Errorf("body = %s, want schedule_action listed", body)
	}
}

func TestConfigFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	_, body := env.do(t, "GET", "/api/config/entries/flow", "")
	var form entries.FlowResult
	decode(t, body, &form)
	if form.Type != entries.ResultForm || len(form.DataSchema) != 2 {
		t.Fatalf("form = %+v", form)
	}
	if form.DataSchema[1].Default != env.webhook.URL {
		t.Errorf("webhook_url default = %q", form.DataSchema[1].Default)
	}

	_, body = env.do(t, "POST", "/api/config/entries/flow",
		`{"name": "Kitchen", "webhook_url": "`+env.webhook.URL+`"}`)
	var created entries.FlowResult
	decode(t, body, &created)
	if created.Type != entries.ResultCreateEntry || created.Entry == nil {
		t.Fatalf("result = %+v", created)
	}
	if _, ok := env.agents.Get(created.Entry.ID); !ok {
		t.Error("agent not registered after flow")
	}

	_, body = env.do(t, "POST", "/api/config/entries/flow",
		`{"name": "Kitchen", "webhook_url": "`+env.webhook.URL+`"}`)
	var dup entries.FlowResult
	decode(t, body, &dup)
	if dup.Type != entries.ResultForm || dup.Errors["base"] != entries.ErrorNameExists {
		t.Errorf("duplicate result = %+v", dup)
	}
}

func TestConfigEntries_ListAndDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.addAgent(t, "Kitchen")

	_, body := env.do(t, "GET", "/api/config/entries", "")
	var list struct {
		Entries []struct {
			ID    string `json:"entry_id"`
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"entries"`
	}
	decode(t, body, &list)
	if len(list.Entries) != 1 || list.Entries[0].ID != e.ID || list.Entries[0].State != string(entries.StateLoaded) {
		t.Fatalf("entries = %+v", list.Entries)
	}

	resp, _ := env.do(t, "DELETE", "/api/config/entries/"+e.ID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if env.agents.Len() != 0 {
		t.Error("agent still registered after delete")
	}

	resp, _ = env.do(t, "DELETE", "/api/config/entries/"+e.ID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthSource
		want   string
	}{
		{"no watchers", nil, "healthy"},
		{"all ready", fakeHealth{"homeassistant": {Name: "homeassistant", Ready: true}}, "healthy"},
		{"one down", fakeHealth{
			"homeassistant": {Name: "homeassistant", Ready: true},
			"n8n":           {Name: "n8n", Ready: false, LastError: "connection refused"},
		}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.health)
			resp, body := env.do(t, "GET", "/health", "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var got map[string]any
			decode(t, body, &got)
			if got["status"] != tt.want {
				t.Errorf("status = %v, want %q", got["status"], tt.want)
			}
		})
	}
}

func TestVersionAndRoot(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.do(t, "GET", "/v1/version", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("version")) {
		t.Errorf("version: status = %d, body = %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, "GET", "/", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("n8n-bridge")) {
		t.Errorf("root: status = %d, body = %s", resp.StatusCode, body)
	}

	resp, _ = env.do(t, "GET", "/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addAgent(t, "n8n Conversation")
	env.do(t, "POST", "/api/conversation/process", `{"text": "hello"}`)

	resp, body := env.do(t, "GET", "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("test_agent_calls_total")) {
		t.Errorf("metrics output missing agent_calls_total:\n%s", body)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Emit(events.SourceScheduler, events.KindTimerSet, map[string]any{"timer_id": "porch"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if e.Source != events.SourceScheduler || e.Kind != events.KindTimerSet || e.Data["timer_id"] != "porch" {
		t.Errorf("event = %+v", e)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
