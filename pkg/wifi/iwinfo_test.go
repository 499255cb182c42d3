package wifi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	mu        sync.Mutex
	responses map[string]interface{}
	errs      map[string]error
	calls     []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: make(map[string]interface{}), errs: make(map[string]error)}
}

func (c *fakeCaller) set(method string, resp interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[method] = resp
}

func (c *fakeCaller) CallInto(ctx context.Context, object, method string, params, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, object+"."+method)
	if err := c.errs[method]; err != nil {
		return err
	}
	data, err := json.Marshal(c.responses[method])
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func scanReply(aps ...map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"results": aps}
}

func rawAP(bssid string, signal int) map[string]interface{} {
	return map[string]interface{}{"bssid": bssid, "ssid": "net-" + bssid[len(bssid)-2:], "signal": signal, "channel": 6}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) take() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	evs := l.events
	l.events = nil
	return evs
}

func TestIwinfoScanDiffs(t *testing.T) {
	caller := newFakeCaller()
	backend := NewIwinfoBackend(caller, "wlan0", testLogger())
	log := &eventLog{}
	unsubscribe := backend.Subscribe(log.record)
	defer unsubscribe()

	caller.set("scan", scanReply(rawAP("00:11:22:33:44:55", -40), rawAP("00:11:22:33:44:66", -70)))
	require.NoError(t, backend.Scan(context.Background()))

	events := log.take()
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventAdded, Path: "iwinfo/wlan0/00:11:22:33:44:55"}, events[0])
	assert.Equal(t, Event{Kind: EventAdded, Path: "iwinfo/wlan0/00:11:22:33:44:66"}, events[1])
	assert.Equal(t, Event{Kind: EventScanDone, Success: true}, events[2])

	ap, err := backend.Resolve(context.Background(), "iwinfo/wlan0/00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, int16(-40), ap.Signal)
	assert.Equal(t, 6, ap.Channel)

	caller.set("scan", scanReply(rawAP("00:11:22:33:44:66", -65), rawAP("00:11:22:33:44:77", -50)))
	require.NoError(t, backend.Scan(context.Background()))

	events = log.take()
	require.Len(t, events, 4)
	assert.Equal(t, Event{Kind: EventRemoved, Path: "iwinfo/wlan0/00:11:22:33:44:55"}, events[0])
	assert.Equal(t, Event{Kind: EventAdded, Path: "iwinfo/wlan0/00:11:22:33:44:77"}, events[1])
	assert.Equal(t, Event{Kind: EventSignal, Path: "iwinfo/wlan0/00:11:22:33:44:66", Signal: -65}, events[2])
	assert.Equal(t, EventScanDone, events[3].Kind)

	_, err = backend.Resolve(context.Background(), "iwinfo/wlan0/00:11:22:33:44:55")
	assert.Error(t, err)

	paths, err := backend.Paths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"iwinfo/wlan0/00:11:22:33:44:66", "iwinfo/wlan0/00:11:22:33:44:77"}, paths)
}

func TestIwinfoScanSkipsMalformedEntries(t *testing.T) {
	caller := newFakeCaller()
	backend := NewIwinfoBackend(caller, "wlan0", testLogger())
	caller.set("scan", scanReply(rawAP("00:11:22:33:44:55", -40), rawAP("not-a-mac", -40), rawAP("00:11:22:33:44", -40)))

	require.NoError(t, backend.Scan(context.Background()))
	paths, err := backend.Paths(context.Background())
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestIwinfoScanFailure(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["scan"] = errors.New("Command failed: Resource busy")
	backend := NewIwinfoBackend(caller, "wlan0", testLogger())
	log := &eventLog{}
	backend.Subscribe(log.record)

	err := backend.Scan(context.Background())
	assert.Error(t, err)
	assert.Empty(t, log.take(), "a failed call reports no events")
}

func TestIwinfoScanCancelled(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["scan"] = errors.New("signal: killed")
	backend := NewIwinfoBackend(caller, "wlan0", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, backend.Scan(ctx), context.Canceled)
}

func TestIwinfoUnsubscribe(t *testing.T) {
	caller := newFakeCaller()
	backend := NewIwinfoBackend(caller, "wlan0", testLogger())
	log := &eventLog{}
	unsubscribe := backend.Subscribe(log.record)
	unsubscribe()

	caller.set("scan", scanReply(rawAP("00:11:22:33:44:55", -40)))
	require.NoError(t, backend.Scan(context.Background()))
	assert.Empty(t, log.take())
}

func TestIwinfoAvailable(t *testing.T) {
	caller := newFakeCaller()
	caller.set("devices", map[string]interface{}{"devices": []string{"wlan0", "wlan1"}})

	assert.NoError(t, NewIwinfoBackend(caller, "wlan1", testLogger()).Available(context.Background()))
	assert.Error(t, NewIwinfoBackend(caller, "wlan2", testLogger()).Available(context.Background()))
}

func TestClampSignal(t *testing.T) {
	assert.Equal(t, int16(0), clampSignal(5))
	assert.Equal(t, int16(-128), clampSignal(-300))
	assert.Equal(t, int16(-67), clampSignal(-67))
}
