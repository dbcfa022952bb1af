package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/runestonehq/runestone/internal/providers"
)

// --- shared fakes ------------------------------------------------------------

// fakeDriver replays a scripted event sequence. openErr fails the stream at
// open time instead.
type fakeDriver struct {
	vendor  string
	events  []providers.StreamEvent
	openErr error
}

func (d *fakeDriver) Vendor() string { return d.vendor }

func (d *fakeDriver) Validate(*providers.InstanceConfig) error { return nil }

func (d *fakeDriver) AuthHeaders(*providers.InstanceConfig) []providers.Header { return nil }

func (d *fakeDriver) SupportedModels(cfg *providers.InstanceConfig) []string { return cfg.Models }

func (d *fakeDriver) Stream(_ context.Context, _ *providers.InstanceConfig, _ *providers.RequestEnvelope) (<-chan providers.StreamEvent, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	ch := make(chan providers.StreamEvent, len(d.events)+1)
	for _, ev := range d.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// okEvents is a minimal successful stream script.
func okEvents(text string) []providers.StreamEvent {
	return []providers.StreamEvent{
		providers.Chunk(text),
		providers.Usage(10, 5),
		providers.Finish(providers.FinishStop),
	}
}

func mustRegister(t *testing.T, reg *providers.Registry, cfg providers.InstanceConfig, d providers.Driver) *providers.Instance {
	t.Helper()
	if err := reg.Register(cfg, d); err != nil {
		t.Fatal(err)
	}
	inst, ok := reg.Get(cfg.Name)
	if !ok {
		t.Fatalf("instance %q not found after register", cfg.Name)
	}
	return inst
}

// degrade drives an instance's health score down with recorded failures.
func degrade(inst *providers.Instance, n int) {
	for i := 0; i < n; i++ {
		inst.RecordResult(false, 10*time.Millisecond)
	}
}
