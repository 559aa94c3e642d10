package mqtt

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/eclipse/paho.golang/paho"
)

const (
	testAvailTopic = "home/nas-check-raid/status"
	testOnline     = "ON"
	testOffline    = "OFF"
)

// fakeClient records broker traffic. log is shared with fakePoller so
// tests can assert on the relative order of publishes and polls.
type fakeClient struct {
	mu           sync.Mutex
	log          *[]string
	publishes    []*paho.Publish
	subscribes   []string
	disconnects  int
	publishErr   error
	subscribeErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{log: new([]string)}
}

func (f *fakeClient) Publish(_ context.Context, p *paho.Publish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes = append(f.publishes, p)
	*f.log = append(*f.log, "publish "+p.Topic+" "+string(p.Payload))
	return f.publishErr
}

func (f *fakeClient) Subscribe(_ context.Context, topic string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	*f.log = append(*f.log, "subscribe "+topic)
	return f.subscribeErr
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	*f.log = append(*f.log, "disconnect")
	return nil
}

// availability returns the payloads published to the availability topic.
func (f *fakeClient) availability() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.publishes {
		if p.Topic == testAvailTopic {
			out = append(out, string(p.Payload))
		}
	}
	return out
}

func (f *fakeClient) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), *f.log...)
}

type fakePoller struct {
	client *fakeClient
	err    error
	polls  int
}

func (p *fakePoller) Poll(context.Context) error {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	p.polls++
	*p.client.log = append(*p.client.log, "poll")
	return p.err
}

func (p *fakePoller) count() int {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	return p.polls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(client *fakeClient) (*Machine, *Publisher) {
	pub := NewPublisher(PublisherConfig{
		Client:            client,
		QoS:               1,
		AvailabilityTopic: testAvailTopic,
		Online:            testOnline,
		Offline:           testOffline,
		Logger:            discardLogger(),
	})
	m := NewMachine(MachineConfig{
		Client:            client,
		Publisher:         pub,
		AvailabilityTopic: testAvailTopic,
		Online:            testOnline,
		Grace:             -1,
		Logger:            discardLogger(),
	})
	return m, pub
}
