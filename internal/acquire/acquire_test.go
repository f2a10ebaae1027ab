package acquire_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/acquire"
	"github.com/openbem/bem-engine/internal/decode"
	"github.com/openbem/bem-engine/internal/events"
	"github.com/openbem/bem-engine/internal/store"
	"github.com/openbem/bem-engine/internal/testdb"
)

// TestAcquisition drives the full path broker → session → decoder → store
// against an in-process MQTT broker and an embedded database. Subtests
// build on each other in order.
func TestAcquisition(t *testing.T) {
	st := testdb.New(t)
	ctx := context.Background()

	srv, port := startBroker(t)

	broker, err := st.CreateBroker(ctx, store.Broker{
		Host:            "127.0.0.1",
		Port:            port,
		ProtocolVersion: "3.1.1",
		Transport:       "tcp",
	})
	if err != nil {
		t.Fatalf("create broker: %v", err)
	}

	registry, err := decode.NewRegistry(decode.Builtin()...)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	for _, d := range registry.All() {
		if _, err := st.EnsureDecoder(ctx, d.Name(), d.Description(), d.Fields()); err != nil {
			t.Fatalf("ensure decoder %s: %v", d.Name(), err)
		}
	}

	low, high := 0.0, 50.0
	office, err := st.CreateTimeseries(ctx, store.Timeseries{Name: "office_temp", Unit: "°C", Min: &low, Max: &high})
	if err != nil {
		t.Fatalf("create timeseries: %v", err)
	}
	mustTS := func(t *testing.T, name string) store.Timeseries {
		t.Helper()
		ts, err := st.CreateTimeseries(ctx, store.Timeseries{Name: name})
		if err != nil {
			t.Fatalf("create timeseries %s: %v", name, err)
		}
		return ts
	}

	sub, err := st.CreateSubscriber(ctx, store.Subscriber{IsEnabled: true, KeepAlive: 30, BrokerID: broker.ID})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}

	officeTopic := seedTopic(t, st, "building/office/temperature", "bemserver", sub.ID,
		link{field: "value", timeseries: office.ID})

	loraTemp := mustTS(t, "lora_temperature")
	loraHum := mustTS(t, "lora_humidity")
	seedTopic(t, st, "building/lora/em300", "chirpstack_EM300TH868", sub.ID,
		link{field: "temperature", timeseries: loraTemp.ID},
		link{field: "humidity", timeseries: loraHum.ID})

	svc := acquire.NewService(st, registry, acquire.Config{
		ClientID:   "bem-test",
		WorkingDir: t.TempDir(),
		StopGrace:  5 * time.Second,
	}, zerolog.Nop())
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run service: %v", err)
	}

	wideStart := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	wideEnd := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rowsFor := func(t *testing.T, id int64) []store.PointRow {
		t.Helper()
		rows, err := st.QueryRange(ctx, []int64{id}, wideStart, wideEnd)
		if err != nil {
			t.Fatalf("query range: %v", err)
		}
		return rows
	}

	t.Run("dispatch_stores_decoded_point", func(t *testing.T) {
		publish(t, srv, officeTopic.Name, `{"ts":"2021-04-27T16:05:11+00:00","value":42}`)

		waitFor(t, 5*time.Second, func() bool { return len(rowsFor(t, office.ID)) == 1 })
		row := rowsFor(t, office.ID)[0]
		want := time.Date(2021, 4, 27, 16, 5, 11, 0, time.UTC)
		if !row.Timestamp.Equal(want) || row.Value != 42.0 {
			t.Errorf("got (%s, %v), want (%s, 42)", row.Timestamp, row.Value, want)
		}

		topic, err := st.GetTopic(ctx, officeTopic.ID)
		if err != nil {
			t.Fatalf("get topic: %v", err)
		}
		if topic.TimestampLastReception == nil {
			t.Error("timestamp_last_reception not recorded")
		}
	})

	t.Run("vendor_decoder_fans_out_fields", func(t *testing.T) {
		publish(t, srv, "building/lora/em300",
			`{"rxInfo":[{"time":"2021-05-03T17:30:00Z"}],"objectJSON":{"temperature":21.5,"humidity":47}}`)

		waitFor(t, 5*time.Second, func() bool {
			return len(rowsFor(t, loraTemp.ID)) == 1 && len(rowsFor(t, loraHum.ID)) == 1
		})
		want := time.Date(2021, 5, 3, 17, 30, 0, 0, time.UTC)
		if row := rowsFor(t, loraTemp.ID)[0]; !row.Timestamp.Equal(want) || row.Value != 21.5 {
			t.Errorf("temperature row = (%s, %v), want (%s, 21.5)", row.Timestamp, row.Value, want)
		}
		if row := rowsFor(t, loraHum.ID)[0]; !row.Timestamp.Equal(want) || row.Value != 47.0 {
			t.Errorf("humidity row = (%s, %v), want (%s, 47)", row.Timestamp, row.Value, want)
		}
	})

	t.Run("subscription_state_is_persisted", func(t *testing.T) {
		got, err := st.GetSubscriber(ctx, sub.ID)
		if err != nil {
			t.Fatalf("get subscriber: %v", err)
		}
		if !got.IsConnected || got.TimestampLastConnection == nil {
			t.Errorf("subscriber state = (%v, %v), want connected with timestamp",
				got.IsConnected, got.TimestampLastConnection)
		}

		states, err := st.SubscriberTopics(ctx, sub.ID)
		if err != nil {
			t.Fatalf("subscriber topics: %v", err)
		}
		if len(states) != 2 {
			t.Fatalf("got %d topics, want 2", len(states))
		}
		for _, state := range states {
			if !state.IsSubscribed || state.TimestampLastSubscription == nil {
				t.Errorf("topic %s: subscribed=%v stamp=%v, want subscribed with timestamp",
					state.Topic.Name, state.IsSubscribed, state.TimestampLastSubscription)
			}
		}
	})

	t.Run("decode_failure_opens_one_event", func(t *testing.T) {
		before := len(rowsFor(t, office.ID))

		publish(t, srv, officeTopic.Name, `not json at all`)
		waitFor(t, 5*time.Second, func() bool {
			return len(openEvents(t, st, events.CategoryAbnormalMeasureValues, officeTopic.Name)) == 1
		})

		publish(t, srv, officeTopic.Name, `{"ts":"oops"}`)
		waitFor(t, 5*time.Second, func() bool {
			evs := openEvents(t, st, events.CategoryAbnormalMeasureValues, officeTopic.Name)
			return len(evs) == 1 && evs[0].State == events.StateOngoing
		})

		if got := len(rowsFor(t, office.ID)); got != before {
			t.Errorf("dropped payloads added rows: %d, want %d", got, before)
		}
	})

	t.Run("out_of_range_is_stored_and_flagged", func(t *testing.T) {
		publish(t, srv, officeTopic.Name, `{"ts":"2021-04-27T17:00:00+00:00","value":999}`)

		want := time.Date(2021, 4, 27, 17, 0, 0, 0, time.UTC)
		waitFor(t, 5*time.Second, func() bool {
			for _, row := range rowsFor(t, office.ID) {
				if row.Timestamp.Equal(want) && row.Value == 999 {
					return true
				}
			}
			return false
		})

		evs := openEvents(t, st, events.CategoryOutOfRange, officeTopic.Name)
		if len(evs) != 1 {
			t.Fatalf("got %d out_of_range events, want 1", len(evs))
		}
		if evs[0].TargetType != events.TargetTimeseries || evs[0].TargetID != office.ID {
			t.Errorf("event target = (%s, %d), want (TIMESERIES, %d)",
				evs[0].TargetType, evs[0].TargetID, office.ID)
		}
	})

	t.Run("status_reports_session_counters", func(t *testing.T) {
		status := svc.Status()
		if !status.Running || len(status.Sessions) != 1 {
			t.Fatalf("status = running=%v sessions=%d, want running with 1 session",
				status.Running, len(status.Sessions))
		}
		sess := status.Sessions[0]
		if sess.SubscriberID != sub.ID || !sess.Connected || sess.Topics != 2 {
			t.Errorf("session = %+v, want subscriber %d connected with 2 topics", sess, sub.ID)
		}
		if sess.Received < 5 || sess.Stored < 4 || sess.Dropped < 2 {
			t.Errorf("counters = received %d stored %d dropped %d, want at least 5/4/2",
				sess.Received, sess.Stored, sess.Dropped)
		}
	})

	t.Run("stop_clears_session_state", func(t *testing.T) {
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if status := svc.Status(); status.Running || len(status.Sessions) != 0 {
			t.Errorf("status after stop = %+v, want stopped and empty", status)
		}

		got, err := st.GetSubscriber(ctx, sub.ID)
		if err != nil {
			t.Fatalf("get subscriber: %v", err)
		}
		if got.IsConnected {
			t.Error("subscriber still marked connected")
		}

		states, err := st.SubscriberTopics(ctx, sub.ID)
		if err != nil {
			t.Fatalf("subscriber topics: %v", err)
		}
		for _, state := range states {
			if state.IsSubscribed {
				t.Errorf("topic %s still marked subscribed", state.Topic.Name)
			}
		}
	})

	t.Run("clean_session_gets_no_replay", func(t *testing.T) {
		before := len(rowsFor(t, office.ID))

		// Published while no client is connected; the clean session left
		// nothing behind on the broker, so this must go nowhere.
		publish(t, srv, officeTopic.Name, `{"ts":"2021-04-27T18:00:00+00:00","value":5}`)

		if err := svc.Run(ctx); err != nil {
			t.Fatalf("rerun service: %v", err)
		}
		time.Sleep(700 * time.Millisecond)
		if err := svc.Stop(ctx); err != nil {
			t.Fatalf("stop: %v", err)
		}

		if got := len(rowsFor(t, office.ID)); got != before {
			t.Errorf("gap message was delivered: %d rows, want %d", got, before)
		}
	})

	t.Run("persistent_session_replays_missed_messages", func(t *testing.T) {
		sub.IsEnabled = false
		if _, err := st.UpdateSubscriber(ctx, sub); err != nil {
			t.Fatalf("disable subscriber: %v", err)
		}

		meter := mustTS(t, "replay_meter")
		persistent, err := st.CreateSubscriber(ctx, store.Subscriber{
			IsEnabled:            true,
			KeepAlive:            30,
			UsePersistentSession: true,
			SessionExpiry:        3600,
			BrokerID:             broker.ID,
		})
		if err != nil {
			t.Fatalf("create subscriber: %v", err)
		}
		seedTopic(t, st, "building/replay/meter", "bemserver", persistent.ID,
			link{field: "value", timeseries: meter.ID})

		cfg := acquire.Config{ClientID: "bem-replay", WorkingDir: t.TempDir(), StopGrace: 5 * time.Second}

		// First run registers the QoS 1 subscription under a stable
		// client id, then goes away without unsubscribing.
		first := acquire.NewService(st, registry, cfg, zerolog.Nop())
		if err := first.Run(ctx); err != nil {
			t.Fatalf("first run: %v", err)
		}
		if err := first.Stop(ctx); err != nil {
			t.Fatalf("first stop: %v", err)
		}

		publish(t, srv, "building/replay/meter", `{"ts":"2021-06-01T00:00:00+00:00","value":7}`)

		second := acquire.NewService(st, registry, cfg, zerolog.Nop())
		if err := second.Run(ctx); err != nil {
			t.Fatalf("second run: %v", err)
		}
		defer second.Stop(ctx)

		waitFor(t, 5*time.Second, func() bool { return len(rowsFor(t, meter.ID)) == 1 })
		row := rowsFor(t, meter.ID)[0]
		want := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
		if !row.Timestamp.Equal(want) || row.Value != 7.0 {
			t.Errorf("replayed row = (%s, %v), want (%s, 7)", row.Timestamp, row.Value, want)
		}
	})
}

func TestServiceRunRequiresSubscribers(t *testing.T) {
	st := testdb.New(t)
	ctx := context.Background()

	registry, err := decode.NewRegistry(decode.Builtin()...)
	if err != nil {
		t.Fatal(err)
	}
	svc := acquire.NewService(st, registry, acquire.Config{WorkingDir: t.TempDir()}, zerolog.Nop())

	err = svc.Run(ctx)
	var serviceErr *acquire.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Run() error = %v, want ServiceError", err)
	}
}

// link specifies one decoder-field-to-timeseries route for seedTopic.
type link struct {
	field      string
	timeseries int64
}

func seedTopic(t *testing.T, st *store.Store, name, decoderName string, subscriberID int64, links ...link) store.Topic {
	t.Helper()
	ctx := context.Background()

	dec, err := st.GetDecoderByName(ctx, decoderName)
	if err != nil {
		t.Fatalf("get decoder %s: %v", decoderName, err)
	}
	topic, err := st.CreateTopic(ctx, store.Topic{
		Name:             name,
		QoS:              1,
		PayloadDecoderID: dec.ID,
		IsEnabled:        true,
	})
	if err != nil {
		t.Fatalf("create topic %s: %v", name, err)
	}

	for _, l := range links {
		fieldID := int64(0)
		for _, f := range dec.Fields {
			if f.Name == l.field {
				fieldID = f.ID
				break
			}
		}
		if fieldID == 0 {
			t.Fatalf("decoder %s has no field %q", decoderName, l.field)
		}
		if err := st.LinkTopicField(ctx, topic.ID, fieldID, l.timeseries); err != nil {
			t.Fatalf("link %s.%s: %v", name, l.field, err)
		}
	}

	if err := st.AttachTopicToSubscriber(ctx, topic.ID, subscriberID); err != nil {
		t.Fatalf("attach topic %s: %v", name, err)
	}
	return topic
}

func startBroker(t *testing.T) (*mochi.Server, int) {
	t.Helper()

	srv := mochi.New(&mochi.Options{InlineClient: true})
	if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add hook: %v", err)
	}

	port := freePort(t)
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: fmt.Sprintf("127.0.0.1:%d", port)})
	if err := srv.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	if err := srv.Serve(); err != nil {
		t.Fatalf("serve broker: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, port
}

func publish(t *testing.T, srv *mochi.Server, topic, payload string) {
	t.Helper()
	if err := srv.Publish(topic, []byte(payload), false, 1); err != nil {
		t.Fatalf("publish to %s: %v", topic, err)
	}
}

func openEvents(t *testing.T, st *store.Store, category, source string) []*events.Event {
	t.Helper()
	rows, err := st.ListEvents(context.Background(), events.Filter{Category: &category, Source: &source})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return rows
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
